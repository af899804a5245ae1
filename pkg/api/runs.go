package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/stores"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// In-flight run states. Terminal states come from the store.
const (
	statusQueued  = "queued"
	statusRunning = "running"
)

// activeRun describes a run that has been accepted but not yet recorded.
type activeRun struct {
	ID                 string    `json:"id"`
	Workflow           string    `json:"workflow"`
	InstanceID         string    `json:"instance_id"`
	TargetInstanceType string    `json:"target_instance_type"`
	Status             string    `json:"status"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

type createRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// listRunsResponse wraps the paginated list of recorded runs plus the runs
// still in flight.
type listRunsResponse struct {
	Runs   []*stores.Run `json:"runs"`
	Active []activeRun   `json:"active"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type listEventsResponse struct {
	Events []*stores.Event `json:"events"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	// Fields the body sets replace the defaults, including explicit zeros
	// such as "force_stop": false.
	params := s.defaults()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := params.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf := resize.DefinitionFor(params)
	if _, _, err := s.engine.Prepare(r.Context(), wf, params.Map()); err != nil {
		if engine.IsConfiguration(err) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Prepare run")
		s.writeError(w, http.StatusInternalServerError, "failed to prepare run")
		return
	}

	id := newRunID()
	s.start(id, wf, params)
	s.writeJSON(w, http.StatusAccepted, createRunResponse{RunID: id, Status: statusQueued})
}

func (s *Server) defaults() resize.Parameters {
	if s.config.Defaults == (resize.Parameters{}) {
		return resize.DefaultParameters()
	}
	return s.config.Defaults
}

// start runs wf in the background once a run slot is free.
func (s *Server) start(id string, wf *engine.Workflow, params resize.Parameters) {
	s.mu.Lock()
	s.active[id] = &activeRun{
		ID:                 id,
		Workflow:           wf.Name,
		InstanceID:         params.InstanceID,
		TargetInstanceType: params.TargetInstanceType,
		Status:             statusQueued,
		SubmittedAt:        time.Now().UTC(),
	}
	s.mu.Unlock()

	logger := s.logger.With().Str("run_id", id).Str("instance_id", params.InstanceID).Logger()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(id)

		select {
		case s.sem <- struct{}{}:
		case <-s.runCtx.Done():
			logger.Warn().Msg("Run cancelled while queued")
			return
		}
		defer func() { <-s.sem }()

		s.setStatus(id, statusRunning)
		ctx := engine.ContextWithRunID(s.runCtx, id)
		result := s.engine.Run(ctx, wf, params.Map())

		if result.Status != engine.RunStatusSucceeded {
			logger.Warn().
				Err(result.Error).
				Str("status", string(result.Status)).
				Str("failing_step", result.FailingStep).
				Msg("Run finished")
			return
		}
		logger.Info().Dur("duration", result.Duration).Msg("Run finished")
	}()
}

func (s *Server) setStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.active[id]; ok {
		run.Status = status
	}
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Server) lookupActive(id string) (activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[id]
	if !ok {
		return activeRun{}, false
	}
	return *run, true
}

func (s *Server) activeRuns() []activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activeRun, 0, len(s.active))
	for _, run := range s.active {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, stores.ErrNotFound) {
		if active, ok := s.lookupActive(id); ok {
			s.writeJSON(w, http.StatusOK, active)
			return
		}
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Get run")
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := stores.RunFilter{
		Workflow: r.URL.Query().Get("workflow"),
		Limit:    limit,
		Offset:   offset,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = engine.RunStatus(status)
		if err := filter.Status.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("List runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*stores.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Active: s.activeRuns(),
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := parseIntQuery(r, "limit", 0)

	events, err := s.store.GetEvents(r.Context(), id, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Get run events")
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if len(events) == 0 {
		if _, ok := s.lookupActive(id); !ok {
			if _, err := s.store.GetRun(r.Context(), id); errors.Is(err, stores.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "run not found")
				return
			}
		}
		events = []*stores.Event{}
	}

	s.writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := s.lookupActive(id); ok {
		s.writeError(w, http.StatusConflict, "run is in progress")
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error().Err(err).Str("run_id", id).Msg("Delete run")
		s.writeError(w, http.StatusInternalServerError, "failed to delete run")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Encode response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
