package api

import (
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	q := r.URL.Query()
	f := store.DefinitionFilter{
		Status:     workflow.Status(q.Get("status")),
		Name:       q.Get("name"),
		AllTenants: q.Get("allTenants") == "true",
	}
	defs, err := s.opts.Workflows.List(r.Context(), tc, f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if defs == nil {
		defs = []*workflow.Definition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	var def workflow.Definition
	if err := decode(r, &def); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Status == "" {
		def.Status = workflow.StatusDraft
	}
	if err := def.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if _, err := s.opts.Engine.Compile(&def); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.opts.Workflows.Save(r.Context(), tc, &def); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, tc, audit.Event{
		Type:         audit.EventCreate,
		ResourceType: "Workflow",
		ResourceID:   def.ID,
		After:        definitionFields(&def),
	})
	writeJSON(w, http.StatusCreated, &def)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	def, err := s.opts.Workflows.Get(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	var def workflow.Definition
	if err := decode(r, &def); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	def.ID = id
	prior, err := s.opts.Workflows.Get(r.Context(), tc, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if def.Version == 0 {
		def.Version = prior.Version
	}
	if err := def.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if _, err := s.opts.Engine.Compile(&def); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.opts.Workflows.Update(r.Context(), tc, &def); err != nil {
		s.respondError(w, r, err)
		return
	}
	before, after := diffFields(definitionFields(prior), definitionFields(&def))
	s.audit(r, tc, audit.Event{
		Type:         audit.EventUpdate,
		ResourceType: "Workflow",
		ResourceID:   def.ID,
		Before:       before,
		After:        after,
	})
	writeJSON(w, http.StatusOK, &def)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.opts.Workflows.SoftDelete(r.Context(), tc, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, tc, audit.Event{
		Type:         audit.EventDelete,
		ResourceType: "Workflow",
		ResourceID:   id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	var req struct {
		InitialState map[string]any `json:"initialState"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondBadRequest(w, "invalid request body")
			return
		}
	}
	executionID, err := s.opts.Engine.Start(r.Context(), tc, chi.URLParam(r, "id"), req.InitialState)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	execs, err := s.opts.Executions.ListByWorkflow(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*workflow.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// audit records a workflow CRUD event. Failures are logged, not surfaced;
// the write that matters has already committed.
func (s *Server) audit(r *http.Request, tc tenant.Context, ev audit.Event) {
	if s.opts.Auditor == nil {
		return
	}
	if err := s.opts.Auditor.Record(r.Context(), tc, ev); err != nil {
		s.opts.Logger.Error(r.Context(), "audit append failed", "err", err,
			"resourceType", ev.ResourceType, "resourceId", ev.ResourceID)
	}
}

// definitionFields projects a definition onto a generic field map for audit
// before/after snapshots.
func definitionFields(def *workflow.Definition) map[string]any {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// diffFields reduces two snapshots to only the keys that changed.
func diffFields(before, after map[string]any) (map[string]any, map[string]any) {
	b := make(map[string]any)
	a := make(map[string]any)
	for k, bv := range before {
		if av, ok := after[k]; !ok || !reflect.DeepEqual(bv, av) {
			b[k] = bv
			if ok {
				a[k] = av
			}
		}
	}
	for k, av := range after {
		if _, ok := before[k]; !ok {
			a[k] = av
		}
	}
	return b, a
}
