package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wonny/tradeflow/internal/pipeline"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/redis"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// ProgressHandler streams tracker snapshots over WebSocket and publishes
// them to Redis for other instances
type ProgressHandler struct {
	tracker  *pipeline.Tracker
	cache    *redis.Cache
	interval time.Duration
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewProgressHandler creates a new progress handler
func NewProgressHandler(tracker *pipeline.Tracker, cache *redis.Cache, interval time.Duration, log *logger.Logger) *ProgressHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressHandler{
		tracker:  tracker,
		cache:    cache,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Stream pushes a snapshot every interval while the client is connected.
// Unchanged idle snapshots are not resent.
// GET /ws/progress
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// the read loop only serves control frames and detects close
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var last pipeline.Snapshot
	send := func(force bool) bool {
		snap := h.tracker.Snapshot()
		if !force && !changed(last, snap) {
			return true
		}
		last = snap
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			h.logger.WithError(err).Debug("Progress client gone")
			return false
		}
		return true
	}

	if !send(true) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if !send(false) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Publish stores the snapshot of the active run in Redis until ctx is done
func (h *ProgressHandler) Publish(ctx context.Context) {
	if !h.cache.Enabled() {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last pipeline.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.tracker.Snapshot()
			if snap.RunID == 0 || !changed(last, snap) {
				continue
			}
			last = snap
			if err := h.cache.Set(ctx, redis.RunProgressKey(snap.RunID), snap, redis.TTLShort); err != nil {
				h.logger.WithError(err).Warn("Failed to publish progress")
			}
		}
	}
}

func changed(a, b pipeline.Snapshot) bool {
	return a.RunID != b.RunID ||
		a.State != b.State ||
		a.LeavesDone != b.LeavesDone ||
		a.PartitionsDone != b.PartitionsDone ||
		a.Batch != b.Batch
}
