package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/pipeline"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/redis"
)

// RunHandler handles aggregation run endpoints
// ⭐ SSOT: 실행 API 핸들러는 여기서만
type RunHandler struct {
	base     context.Context
	runner   *pipeline.Runner
	catalog  *aggregate.Catalog
	sink     joblog.Sink
	limiter  *redis.RateLimiter
	progress *redis.Cache
	logger   *logger.Logger
}

// NewRunHandler creates a new run handler. base outlives requests and
// bounds submitted runs.
func NewRunHandler(
	base context.Context,
	runner *pipeline.Runner,
	catalog *aggregate.Catalog,
	sink joblog.Sink,
	limiter *redis.RateLimiter,
	progress *redis.Cache,
	log *logger.Logger,
) *RunHandler {
	return &RunHandler{
		base:     base,
		runner:   runner,
		catalog:  catalog,
		sink:     sink,
		limiter:  limiter,
		progress: progress,
		logger:   log,
	}
}

// TriggerRequest represents a manual run request
type TriggerRequest struct {
	Feature string   `json:"feature"`
	Flavors []string `json:"flavors"` // flavor or feature names; overrides feature
	Dates   []string `json:"dates"`   // YYYYMMDD
	From    string   `json:"from"`    // YYYYMMDD, inclusive
	To      string   `json:"to"`      // YYYYMMDD, inclusive
	Limit   int      `json:"limit"`
}

// FlavorItem describes one registered flavor
type FlavorItem struct {
	Name           string `json:"name"`
	Feature        string `json:"feature"`
	Dimension      string `json:"dimension"`
	Filter         string `json:"filter"`
	Dir            string `json:"dir"`
	OrderDedup     bool   `json:"orderDedup"`
	SwapSides      bool   `json:"swapSides"`
	PerKeyProgress bool   `json:"perKeyProgress"`
}

// ListFlavors returns the registered flavors
// GET /api/flavors?feature=broker_summary
func (h *RunHandler) ListFlavors(w http.ResponseWriter, r *http.Request) {
	flavors := h.catalog.All()
	if feature := r.URL.Query().Get("feature"); feature != "" {
		var err error
		if flavors, err = h.catalog.Feature(feature); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
	}

	items := make([]FlavorItem, 0, len(flavors))
	for _, f := range flavors {
		items = append(items, FlavorItem{
			Name:           f.Name,
			Feature:        f.Feature,
			Dimension:      f.Dimension.Name(),
			Filter:         f.Filter.Suffix(),
			Dir:            f.Dir(),
			OrderDedup:     f.OrderDedup,
			SwapSides:      f.SwapSides,
			PerKeyProgress: f.PerKeyProgress,
		})
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"features": h.catalog.Features(),
		"count":    len(items),
		"items":    items,
	})
}

// Trigger starts a run in the background
// POST /api/runs
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	flavors, err := h.resolve(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateDates(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	feature := req.Feature
	if feature == "" {
		feature = flavors[0].Feature
	}

	decision, err := h.limiter.Allow(r.Context(), redis.TriggerRateLimit(feature))
	if err != nil {
		h.logger.WithError(err).Warn("Rate limit check failed, allowing trigger")
		decision.Allowed = true
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		respondError(w, http.StatusTooManyRequests, "Too many triggers for "+feature)
		return
	}

	id, err := h.runner.Submit(h.base, pipeline.Request{
		Feature: feature,
		Trigger: joblog.TriggerAPI,
		Flavors: flavors,
		Dates:   req.Dates,
		From:    req.From,
		To:      req.To,
		Limit:   req.Limit,
	}, nil)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.WithError(err).Error("Failed to start run")
		respondError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"run_id":  id,
		"feature": feature,
		"flavors": len(flavors),
	}).Info("Run triggered")

	respondData(w, http.StatusAccepted, map[string]interface{}{
		"runId":   id,
		"feature": feature,
		"flavors": len(flavors),
	})
}

func (h *RunHandler) resolve(req TriggerRequest) ([]aggregate.Flavor, error) {
	switch {
	case len(req.Flavors) > 0:
		return h.catalog.Select(req.Flavors...)
	case req.Feature != "":
		return h.catalog.Feature(req.Feature)
	default:
		return nil, errors.New("feature or flavors required")
	}
}

func validateDates(req TriggerRequest) error {
	check := func(d string) error {
		if _, err := time.Parse("20060102", d); err != nil {
			return errors.New("invalid date " + strconv.Quote(d) + ", want YYYYMMDD")
		}
		return nil
	}

	for _, d := range req.Dates {
		if err := check(d); err != nil {
			return err
		}
	}
	for _, d := range []string{req.From, req.To} {
		if d == "" {
			continue
		}
		if err := check(d); err != nil {
			return err
		}
	}
	if req.From != "" && req.To != "" && req.From > req.To {
		return errors.New("from is after to")
	}
	if req.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

// ListRuns returns recent job log entries
// GET /api/runs?limit=20
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.sink.List(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		respondError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"count": len(entries),
		"items": entries,
	})
}

// GetRun returns one job log entry
// GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	entry, err := h.sink.Get(r.Context(), id)
	if errors.Is(err, joblog.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get run")
		respondError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	respondData(w, http.StatusOK, entry)
}

// Current returns the live progress of this instance's runner
// GET /api/runs/current
func (h *RunHandler) Current(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"busy":     h.runner.Busy(),
		"progress": h.runner.Tracker().Snapshot(),
	})
}

// Progress returns the live progress of a run, local or published by
// another instance
// GET /api/runs/{id}/progress
func (h *RunHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	if snap := h.runner.Tracker().Snapshot(); snap.RunID == id {
		respondData(w, http.StatusOK, snap)
		return
	}

	var snap pipeline.Snapshot
	found, err := h.progress.Get(r.Context(), redis.RunProgressKey(id), &snap)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read published progress")
	}
	if !found {
		respondError(w, http.StatusNotFound, "No live progress for run")
		return
	}

	respondData(w, http.StatusOK, snap)
}

// Cancel flags a running run as cancelled; the runner stops before its
// next batch
// POST /api/runs/{id}/cancel
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	entry, err := h.sink.Get(r.Context(), id)
	if errors.Is(err, joblog.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}
	if entry.Status.Terminal() {
		respondError(w, http.StatusConflict, "Run already "+string(entry.Status))
		return
	}

	if err := h.sink.Cancel(r.Context(), id); err != nil {
		h.logger.WithError(err).Error("Failed to cancel run")
		respondError(w, http.StatusInternalServerError, "Failed to cancel run")
		return
	}

	h.logger.WithField("run_id", id).Info("Run cancellation requested")
	respondData(w, http.StatusAccepted, map[string]interface{}{
		"runId":  id,
		"status": joblog.StatusCancelled,
	})
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "Invalid run id")
		return 0, false
	}
	return id, true
}
