// Package rest is the HTTP facade over the engine and the projector. It
// translates requests into engine commands, renders entity snapshots and maps
// the engine's error taxonomy onto HTTP statuses.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caseflowio/caseflow/internal/config"
	"github.com/caseflowio/caseflow/internal/rest/apierror"
	"github.com/caseflowio/caseflow/internal/rest/middleware"
	"github.com/caseflowio/caseflow/pkg/engine"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
	"github.com/caseflowio/caseflow/pkg/projector"
	"github.com/caseflowio/caseflow/pkg/storage"
)

type Server struct {
	engine    *engine.Engine
	projector *projector.Projector
	addr      string
	server    *http.Server
	logger    hclog.Logger
}

func NewServer(eng *engine.Engine, proj *projector.Projector, conf config.Config) *Server {
	r := chi.NewRouter()
	s := &Server{
		engine:    eng,
		projector: proj,
		addr:      conf.Server.Addr,
		logger:    hclog.Default().Named("caseflow-rest"),
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry(conf.Name))

	r.Route(conf.Server.Context, func(r chi.Router) {
		r.Post("/process-definitions", s.deployDefinition)
		r.Get("/process-definitions", s.listDefinitions)
		r.Get("/process-definitions/{processId}", s.getDefinitionVersions)

		r.Post("/cases", s.startCase)
		r.Get("/cases/{caseId}", s.getCase)
		r.Get("/cases/{caseId}/variables", s.getCaseVariables)
		r.Post("/cases/{caseId}/tasks/{tokenKey}/complete", s.completeTask)
		r.Post("/cases/{caseId}/timers/{tokenKey}/fire", s.fireTimer)
		r.Post("/cases/{caseId}/cancel", s.cancelCase)

		r.Post("/report-tables", s.createReportTable)
		r.Get("/report-tables/{key}", s.getReportTable)
		r.Post("/report-tables/{key}/migrate", s.migrateReportTable)
		r.Post("/report-tables/{key}/populate", s.populateReportTable)
		r.Get("/report-tables/{key}/rows", s.reportTableRows)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"name": conf.Name, "status": "ok"})
		})
	})
	return s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("failed to listen", "addr", s.addr, "error", err)
		return nil
	}
	s.logger.Info("caseflow REST server listening", "addr", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("error starting server", "error", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error stopping server", "error", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ---- process definitions ----

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	source, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return
	}
	def, err := s.engine.DeployDefinition(r.Context(), source)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.ListDefinitions(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) getDefinitionVersions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.FindDefinitionsById(r.Context(), chi.URLParam(r, "processId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if len(defs) == 0 {
		writeError(w, http.StatusNotFound, apierror.ApiError{Type: "DEFINITION_NOT_FOUND", Message: "no such process"})
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// ---- cases ----

type startCaseRequest struct {
	ProcessId string                 `json:"processId"`
	Version   int32                  `json:"version"`
	Variables map[string]interface{} `json:"variables"`
}

func (s *Server) startCase(w http.ResponseWriter, r *http.Request) {
	var req startCaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	instance, err := s.engine.StartCase(r.Context(), req.ProcessId, req.Version, req.Variables)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	instance, err := s.resolveCase(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) getCaseVariables(w http.ResponseWriter, r *http.Request) {
	instance, err := s.resolveCase(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance.VariableHolder.Variables())
}

type completeTaskRequest struct {
	Variables map[string]interface{} `json:"variables"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	instance, err := s.resolveCase(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	tokenKey, err := strconv.ParseInt(chi.URLParam(r, "tokenKey"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: "invalid token key"})
		return
	}
	var req completeTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := s.engine.CompleteTask(r.Context(), instance.Key, tokenKey, req.Variables)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) fireTimer(w http.ResponseWriter, r *http.Request) {
	instance, err := s.resolveCase(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	tokenKey, err := strconv.ParseInt(chi.URLParam(r, "tokenKey"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: "invalid token key"})
		return
	}
	updated, err := s.engine.FireTimer(r.Context(), instance.Key, tokenKey)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) cancelCase(w http.ResponseWriter, r *http.Request) {
	instance, err := s.resolveCase(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	updated, err := s.engine.CancelCase(r.Context(), instance.Key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// resolveCase accepts either the numeric case key or the external uid.
func (s *Server) resolveCase(r *http.Request) (runtime.CaseInstance, error) {
	caseId := chi.URLParam(r, "caseId")
	if key, err := strconv.ParseInt(caseId, 10, 64); err == nil {
		return s.engine.CaseSnapshot(r.Context(), key)
	}
	return s.engine.CaseSnapshotByUid(r.Context(), caseId)
}

// ---- report tables ----

func (s *Server) createReportTable(w http.ResponseWriter, r *http.Request) {
	var def runtime.ReportTableDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	created, err := s.projector.CreateReportTable(r.Context(), def)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getReportTable(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	def, err := s.projector.GetReportTable(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type migrateRequest struct {
	ConfirmDestructive bool             `json:"confirmDestructive"`
	Columns            []runtime.Column `json:"columns"`
}

func (s *Server) migrateReportTable(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	var req migrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := projector.MigrateOptions{ConfirmDestructive: req.ConfirmDestructive}
	if len(req.Columns) > 0 {
		def, err := s.projector.UpdateColumns(r.Context(), key, req.Columns, opts)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
		return
	}
	if err := s.projector.MigrateSchema(r.Context(), key, opts); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

func (s *Server) populateReportTable(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	result, err := s.projector.Materialize(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) reportTableRows(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	rows, err := s.projector.Rows(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ---- plumbing ----

func parseKey(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: "invalid key"})
		return 0, false
	}
	return key, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, into); err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return false
	}
	return true
}

// writeEngineError maps the taxonomy onto HTTP statuses: 404 for not-found
// kinds, 409 for state conflicts, 422 for validation failures, 500 for
// everything infrastructural.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var conflict *projector.SchemaMigrationConflictError
	if errors.As(err, &conflict) {
		writeError(w, http.StatusConflict, apierror.ApiError{Type: "SCHEMA_MIGRATION_CONFLICT", Message: err.Error()})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, apierror.ApiError{Type: "NOT_FOUND", Message: err.Error()})
		return
	}

	code := engine.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.ErrCodeDefinitionNotFound, engine.ErrCodeCaseNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeTokenNotActive, engine.ErrCodeInvalidTransition, engine.ErrCodeCaseNotRunning:
		status = http.StatusConflict
	case engine.ErrCodeInvalidInitialVariables, engine.ErrCodeNoMatchingRoute, engine.ErrCodeInvalidDefinition:
		status = http.StatusUnprocessableEntity
	case engine.ErrCodeRoutingLoopDetected:
		status = http.StatusInternalServerError
	case "":
		s.logger.Error("request failed", "error", err)
	}
	errType := string(code)
	if errType == "" {
		errType = "ERROR"
	}
	writeError(w, status, apierror.ApiError{Type: errType, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, apiErr apierror.ApiError) {
	writeJSON(w, status, apiErr)
}
