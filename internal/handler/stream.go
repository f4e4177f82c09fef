package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/middleware"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/session"
	"github.com/studyhub/groupchat/pkg/metrics"
)

// StreamOptions configures the event stream.
type StreamOptions struct {
	Heartbeat time.Duration
	// Buffer is the number of events queued per client before it is told
	// to resync.
	Buffer int
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	return o
}

// ResyncEvent tells a client it missed events and should refetch messages.
type ResyncEvent struct {
	Dropped int `json:"dropped"`
}

// Events handles GET /api/v1/session/events
// Streams store changes of whichever conversation the session has open.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := caller(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess := h.sessions.Acquire(user)
	release, ok := h.sessions.Hold(user.ID)
	if !ok {
		writeError(w, http.StatusConflict, "session closed")
		return
	}
	defer release()

	events := make(chan session.Event, h.stream.Buffer)
	overflow := make(chan struct{}, 1)
	var dropped atomic.Int64
	cancel := sess.Listen(func(e session.Event) {
		select {
		case events <- e:
		default:
			dropped.Add(1)
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(
		zap.String("user_id", user.ID),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": sess.ConversationID(),
	})

	heartbeat := time.NewTicker(h.stream.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case e := <-events:
			if err := sendSSEEvent(w, flusher, string(e.Change.Kind), e); err != nil {
				log.Warn("failed to write event", zap.Error(err))
				return
			}

		case <-overflow:
			n := int(dropped.Swap(0))
			log.Warn("SSE client too slow, events dropped", zap.Int("dropped", n))
			if err := sendSSEEvent(w, flusher, "resync", &ResyncEvent{Dropped: n}); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
