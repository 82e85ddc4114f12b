package orchestrator

import "time"

// Config holds the orchestrator's runtime knobs, loaded once at startup and
// passed by value into component constructors (§9: "replace with explicit
// dependency injection" rather than a global mutable config singleton).
type Config struct {
	// HubBufferSize is the per-subscription bounded buffer depth (§4.6).
	HubBufferSize int
	// HeartbeatInterval is the SSE keep-alive period (§4.7).
	HeartbeatInterval time.Duration
	// SoftKillGrace is how long terminate waits after SIGTERM before sending
	// SIGKILL (§4.1).
	SoftKillGrace time.Duration
	// ShutdownGrace is the hard-kill bound applied to every live session when
	// the process shuts down (§4.1 cleanup).
	ShutdownGrace time.Duration
	// CallbackSecret, if non-empty, is the shared secret the agent subprocess
	// must present via X-Agent-Callback-Secret on push_events/push_finished.
	CallbackSecret string
}

// DefaultConfig returns the spec's default timings (§4: "5s" soft-kill grace,
// "3s" shutdown bound, 30s heartbeat, 64-deep subscriber buffer).
func DefaultConfig() Config {
	return Config{
		HubBufferSize:     DefaultSubscriptionBuffer,
		HeartbeatInterval: 30 * time.Second,
		SoftKillGrace:     5 * time.Second,
		ShutdownGrace:     3 * time.Second,
	}
}
