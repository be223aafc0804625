package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/metrics"
	"github.com/JakeFAU/genprogress/internal/progress"
)

// SSE event names written by streamEvents.
const (
	eventUpdate   = "update"
	eventTerminal = "terminal"
)

// streamEvents relays snapshots of one task as Server-Sent Events. The stream
// ends with a terminal event once the attempt completes, fails, or is
// abandoned.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	metrics.IncRelaySubscribers()
	defer metrics.DecRelaySubscribers()

	// Latest-wins mailbox: a slow client only ever sees the newest snapshot.
	updates := make(chan progress.Snapshot, 1)
	unsubscribe := c.OnUpdate(func(snap progress.Snapshot) {
		select {
		case updates <- snap:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	logger := s.logger.With(zap.String("task_id", c.TaskID()), zap.String("request_id", RequestID(r.Context())))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix()); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				logger.Debug("heartbeat flush failed, client likely disconnected", zap.Error(err))
				return
			}
		case snap := <-updates:
			if err := writeEvent(w, rc, eventUpdate, snap); err != nil {
				logger.Debug("write update event failed", zap.Error(err))
				return
			}
		case <-c.Done():
			view := s.view(c)
			if err := writeEvent(w, rc, eventUpdate, view.Snapshot); err != nil {
				return
			}
			if err := writeEvent(w, rc, eventTerminal, view); err != nil {
				logger.Debug("write terminal event failed", zap.Error(err))
			}
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", event, err)
	}
	return nil
}
