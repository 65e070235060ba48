package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/conductor/fleet/internal/agentpool"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/waits"
	"github.com/conductor/fleet/pkg/health"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type createCommandRequest struct {
	AgentID string         `json:"agent_id"`
	Type    string         `json:"command_type"`
	Data    map[string]any `json:"command_data"`
}

type createProcessRequest struct {
	Requirements map[string]any `json:"requirements"`
}

type updateStatusRequest struct {
	Status database.ProcessStatus `json:"status"`
}

type setWaitRequest struct {
	Condition json.RawMessage `json:"condition"`
	// Version guards the update; zero means the current version.
	Version int64 `json:"version"`
}

func (s *HTTPServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
}

func (s *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), s.config.HealthTimeout, s.deps.Checks...)
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *HTTPServer) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "agent_id and command_type are required")
		return
	}

	cmd := &database.Command{AgentID: req.AgentID, Type: req.Type, Data: req.Data}
	if err := s.deps.Commands.Create(r.Context(), cmd); err != nil {
		s.writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *HTTPServer) handleListCommands(w http.ResponseWriter, r *http.Request) {
	page := database.DefaultPagination()
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		page.Limit = min(v, 1000)
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		page.Offset = v
	}

	status := database.CommandStatus(q.Get("status"))
	switch status {
	case "", database.CommandStatusCreated, database.CommandStatusSent:
	default:
		writeError(w, http.StatusBadRequest, "unknown command status")
		return
	}

	cmds, err := s.deps.Commands.List(r.Context(), status, page)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	if cmds == nil {
		cmds = []database.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *HTTPServer) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cmd, err := s.deps.Commands.Get(r.Context(), id)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *HTTPServer) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var req createProcessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := &database.Process{Status: database.ProcessStatusEnqueued, Requirements: req.Requirements}
	if p.Requirements == nil {
		p.Requirements = map[string]any{}
	}
	if err := s.deps.Processes.Create(r.Context(), p); err != nil {
		s.writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *HTTPServer) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Processes.Get(r.Context(), id)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := s.deps.Processes.UpdateStatus(r.Context(), id, req.Status); err != nil {
		s.writeDBError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetWait stores a wait condition. The condition is validated by
// decoding it, and stored in its canonical encoding.
func (s *HTTPServer) handleSetWait(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req setWaitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cond, err := waits.Decode(req.Condition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, err := waits.Encode(cond)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.setWait(w, r, id, raw, true, req.Version)
}

func (s *HTTPServer) handleClearWait(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var version int64
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = parsed
	}
	s.setWait(w, r, id, nil, false, version)
}

func (s *HTTPServer) setWait(w http.ResponseWriter, r *http.Request, id uuid.UUID, cond json.RawMessage, waiting bool, version int64) {
	if version == 0 {
		p, err := s.deps.Processes.Get(r.Context(), id)
		if err != nil {
			s.writeDBError(w, err)
			return
		}
		version = p.Version
	}

	updated, err := s.deps.Processes.SetWait(r.Context(), id, cond, waiting, version)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	if !updated {
		s.writeDBError(w, database.ErrVersionConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusNotFound, "agent pool not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

type cancelAgentResponse struct {
	Host string `json:"host"`
}

// handleCancelAgent borrows an agent connection and asks that host to
// cancel all of its work. A host that fails the cancel is dropped from
// the pool.
func (s *HTTPServer) handleCancelAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusNotFound, "agent pool not configured")
		return
	}

	conn, err := s.deps.Pool.Acquire(r.Context(), s.config.AcquireTimeout)
	if err != nil {
		if errors.Is(err, agentpool.ErrNoAvailableAgents) || errors.Is(err, agentpool.ErrAcquireTimeout) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("failed to acquire agent connection")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := conn.CancelAll(r.Context()); err != nil {
		s.logger.Warn().Err(err).Str("host", conn.Host()).Msg("agent cancel failed")
		if ierr := s.deps.Pool.Invalidate(conn); ierr != nil {
			s.logger.Warn().Err(ierr).Msg("failed to invalidate agent connection")
		}
		writeError(w, http.StatusBadGateway, "agent cancel failed")
		return
	}
	if err := s.deps.Pool.Release(conn); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release agent connection")
	}
	writeJSON(w, http.StatusOK, cancelAgentResponse{Host: conn.Host()})
}

func (s *HTTPServer) writeDBError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrDuplicate), errors.Is(err, database.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, database.ErrForeignKey):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
