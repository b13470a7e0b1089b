package mongo

import (
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// scoped composes the tenant isolation filter: the caller's tenantId plus the
// soft-delete exclusion. Platform admins skip the tenant clause only when
// allTenants is set; a cross-tenant miss surfaces as ErrNotFound either way.
func scoped(tc tenant.Context, allTenants bool, filter bson.M) bson.M {
	if filter == nil {
		filter = bson.M{}
	}
	filter["deleted"] = bson.M{"$ne": true}
	if !(tc.PlatformAdmin && allTenants) {
		filter["tenantId"] = tc.TenantID
	}
	return filter
}

// mapErr translates driver errors to the store contract errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return store.ErrNotFound
	case mongodriver.IsDuplicateKeyError(err):
		return store.ErrConflict
	default:
		return err
	}
}
