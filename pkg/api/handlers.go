package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/store"
	"github.com/ethpandaops/upgradoor/pkg/updater"
	"github.com/ethpandaops/upgradoor/pkg/vcs"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
	maxBodyBytes     = 64 << 10
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// triggerResponse is returned by the trigger endpoints once the run record
// exists. The run itself continues in the background.
type triggerResponse struct {
	RunID  uint   `json:"run_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func (s *server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

// parseIDParam extracts and validates the {id} URL parameter.
func parseIDParam(r *http.Request) (uint, error) {
	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		return 0, errors.New("id parameter is required")
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}

	return uint(id), nil
}

// decodeBody reads an optional JSON object body. An empty body yields an
// empty map.
func decodeBody(r *http.Request) (map[string]any, error) {
	raw := make(map[string]any, 8)

	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&raw)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	return raw, nil
}

// --- Read handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.kernel.Status(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to read status")

		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleCheck(w http.ResponseWriter, r *http.Request) {
	allowDirty, _ := strconv.ParseBool(r.URL.Query().Get("allow_dirty"))

	res, err := s.kernel.Check(r.Context(), allowDirty)
	if err != nil {
		s.log.WithError(err).Warn("Update check failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		limit = min(n, maxRunsLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, err, "Failed to list runs")

		return
	}

	if runs == nil {
		runs = []store.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

// loadRun resolves the {id} parameter to a run, writing the error response
// itself when it cannot.
func (s *server) loadRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return nil, false
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return nil, false
		}

		s.internalError(w, err, "Failed to get run")

		return nil, false
	}

	return run, true
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, err, "Failed to list events")

		return
	}

	if events == nil {
		events = []store.StepEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	artifacts, err := s.store.ListArtifacts(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, err, "Failed to list artifacts")

		return
	}

	if artifacts == nil {
		artifacts = []store.Artifact{}
	}

	writeJSON(w, http.StatusOK, artifacts)
}

// --- Trigger handlers ---

// claim reserves the trigger slot. It fails when a run started through the
// API is still executing or another process holds the update lock.
func (s *server) claim(w http.ResponseWriter, r *http.Request) bool {
	if !s.triggered.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, errorResponse{"update in progress"})

		return false
	}

	busy, err := s.kernel.Busy(r.Context())
	if err != nil {
		s.triggered.Store(false)
		s.internalError(w, err, "Failed to read update lock")

		return false
	}

	if busy {
		s.triggered.Store(false)
		writeJSON(w, http.StatusConflict, errorResponse{"update in progress"})

		return false
	}

	return true
}

// spawn runs fn in the background and releases the trigger slot after.
func (s *server) spawn(fn func()) {
	s.jobs.Add(1)

	go func() {
		defer s.jobs.Done()
		defer s.triggered.Store(false)

		fn()
	}()
}

func (s *server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	opts, err := pipeline.DecodeOptions(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if !s.claim(w, r) {
		return
	}

	run, err := s.kernel.Start(r.Context(), &opts)
	if err != nil {
		s.triggered.Store(false)

		switch {
		case errors.Is(err, updater.ErrDisabled):
			writeJSON(w, http.StatusForbidden, errorResponse{err.Error()})
		case errors.Is(err, vcs.ErrDirtyWorkTree):
			writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
		default:
			s.internalError(w, err, "Failed to start update")
		}

		return
	}

	s.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"remote": extractIP(r),
	}).Info("Update triggered")

	s.spawn(func() {
		if _, err := s.kernel.Execute(s.runCtx, run, opts); err != nil {
			s.log.WithError(err).WithField("run_id", run.ID).Warn("Triggered update failed")
		}
	})

	writeJSON(w, http.StatusAccepted, triggerResponse{
		RunID:  run.ID,
		Kind:   run.Kind,
		Status: run.Status,
	})
}

func decodeRollbackRequest(raw map[string]any) (updater.RollbackRequest, error) {
	var req updater.RollbackRequest

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &req,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return req, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return req, fmt.Errorf("decoding rollback request: %w", err)
	}

	return req, nil
}

func (s *server) handleTriggerRollback(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	raw, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	delete(raw, "run_id")

	req, err := decodeRollbackRequest(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	req.RunID = id

	if !s.claim(w, r) {
		return
	}

	run, err := s.kernel.StartRollback(r.Context(), req)
	if err != nil {
		s.triggered.Store(false)

		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	s.log.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"rollback_of": id,
		"remote":      extractIP(r),
	}).Info("Rollback triggered")

	s.spawn(func() {
		if _, err := s.kernel.ExecuteRollback(s.runCtx, run, req); err != nil {
			s.log.WithError(err).WithField("run_id", run.ID).Warn("Triggered rollback failed")
		}
	})

	writeJSON(w, http.StatusAccepted, triggerResponse{
		RunID:  run.ID,
		Kind:   run.Kind,
		Status: run.Status,
	})
}
