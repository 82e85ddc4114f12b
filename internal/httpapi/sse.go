// Package httpapi implements the external HTTP interface of the orchestrator
// (§6): chat send/stream/interrupt and the agent callback endpoints.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/replyforge/agentrelay/internal/orchestrator"
)

// StreamSession is the subset of *orchestrator.Hub the SSE adapter needs.
type StreamSession interface {
	Subscribe() *orchestrator.Subscription
}

// sseHeartbeatInterval is the default keep-alive period (§4.7 "SSE heartbeat
// every 30s"), overridable via Options.HeartbeatInterval.
const sseHeartbeatInterval = 30 * time.Second

// writeSSE drives a single subscription to completion over w, following the
// counterspell SSE handlers' flusher/ticker idiom: an initial frame, then a
// select loop over subscription events, a heartbeat ticker, and client
// disconnect via r.Context().Done().
func writeSSE(w http.ResponseWriter, done <-chan struct{}, sub *orchestrator.Subscription, start orchestrator.DownstreamEvent, heartbeatInterval time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported: ResponseWriter is not an http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeFrame(w, start); err != nil {
		return err
	}
	flusher.Flush()

	if heartbeatInterval <= 0 {
		heartbeatInterval = sseHeartbeatInterval
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			// Client disconnected: unsubscribe but do not interrupt the reply
			// (§4.7: disconnect detaches the stream only).
			sub.Unsubscribe()
			return nil
		case <-sub.Dropped():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeFrame(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			if ev.Type == orchestrator.DownstreamDone {
				return nil
			}
		case <-ticker.C:
			if err := writeFrame(w, orchestrator.NewHeartbeatEvent()); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, ev orchestrator.DownstreamEvent) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload)
	return err
}
