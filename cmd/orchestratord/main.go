// Command orchestratord runs the chat agent orchestrator: it accepts chat
// send/interrupt requests and SSE stream subscriptions over HTTP, forks one
// agent subprocess per reply, and fans out its callback events to both the
// per-reply SSE stream and the conversation-level broadcast bus.
//
// # Configuration
//
// Environment variables:
//
//	ORCHESTRATOR_ADDR       - HTTP listen address (default: ":8080")
//	AGENT_BINARY            - path to the agent subprocess binary (required)
//	AGENT_MODEL             - default model name passed to the agent (default: "")
//	CALLBACK_BASE_URL       - base URL the agent uses to call back (default: "http://localhost:8080")
//	AGENT_CALLBACK_SECRET   - shared secret required on /trpc callbacks (optional)
//	MONGO_URI               - MongoDB connection string (required unless MEMORY_STORE=1)
//	MONGO_DATABASE          - MongoDB database name (default: "orchestrator")
//	REDIS_URL               - Redis address for the broadcast bus (required unless MEMORY_STORE=1)
//	REDIS_PASSWORD          - Redis password (optional)
//	MEMORY_STORE            - "1" runs with in-memory stores and no broadcast bus, for local development
//	HUB_BUFFER_SIZE         - per-subscription SSE buffer depth (default: 64)
//	HEARTBEAT_INTERVAL      - SSE heartbeat period (default: "30s")
//	SOFT_KILL_GRACE         - grace period between SIGTERM and SIGKILL (default: "5s")
//	SHUTDOWN_GRACE          - per-session grace period during shutdown (default: "3s")
//	METRICS_BACKEND         - "prometheus" exposes GET /metrics; anything else uses OTEL only (default: "")
//	SEND_RATE_PER_SECOND    - per-user token bucket rate for /api/chat/send (default: 2)
//	SEND_BURST              - per-user token bucket burst for /api/chat/send (default: 5)
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/replyforge/agentrelay/features/stream/pulse/clients/pulse"
	broadcastpulse "github.com/replyforge/agentrelay/internal/broadcast/pulse"
	"github.com/replyforge/agentrelay/internal/httpapi"
	"github.com/replyforge/agentrelay/internal/orchestrator"
	"github.com/replyforge/agentrelay/internal/store/memstore"
	"github.com/replyforge/agentrelay/internal/store/mongostore"
	"github.com/replyforge/agentrelay/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := envOr("ORCHESTRATOR_ADDR", ":8080")
	agentBinary := os.Getenv("AGENT_BINARY")
	if agentBinary == "" {
		return errors.New("AGENT_BINARY is required")
	}
	model := os.Getenv("AGENT_MODEL")
	callbackBase := envOr("CALLBACK_BASE_URL", "http://localhost:8080")
	callbackSecret := os.Getenv("AGENT_CALLBACK_SECRET")

	cfg := orchestrator.DefaultConfig()
	cfg.HubBufferSize = envIntOr("HUB_BUFFER_SIZE", cfg.HubBufferSize)
	cfg.HeartbeatInterval = envDurationOr("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.SoftKillGrace = envDurationOr("SOFT_KILL_GRACE", cfg.SoftKillGrace)
	cfg.ShutdownGrace = envDurationOr("SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.CallbackSecret = callbackSecret

	log := telemetry.NewClueLogger()

	var met telemetry.Metrics
	var metricsHandler http.Handler
	if os.Getenv("METRICS_BACKEND") == "prometheus" {
		reg := prometheus.NewRegistry()
		met = telemetry.NewPrometheusMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	} else {
		met = telemetry.NewClueMetrics()
	}

	conversations, messages, sessions, plans, forensics, cleanupStores, err := buildStores(ctx)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}
	defer cleanupStores()

	broadcaster, cleanupBroadcast, err := buildBroadcaster(ctx)
	if err != nil {
		return fmt.Errorf("build broadcaster: %w", err)
	}
	defer cleanupBroadcast()

	filter := orchestrator.NewToolFilter(nil, nil)
	convos := orchestrator.NewConversationIndex()

	launcher := orchestrator.NewExecLauncher(agentBinary)

	supervisor := orchestrator.NewSupervisor(cfg, launcher, filter, sessions, convos, log, met)
	projector := orchestrator.NewProjector(plans)

	facade := orchestrator.NewFacade(orchestrator.FacadeDeps{
		Supervisor:    supervisor,
		Projector:     projector,
		Broadcaster:   broadcaster,
		Conversations: conversations,
		Messages:      messages,
		Forensics:     forensics,
		CallbackURLFor: func(replyID string) string {
			return callbackBase + "/trpc/pushMessageToChatAgent?reply_id=" + replyID
		},
		Model: model,
		Log:   log,
		Met:   met,
		Trc:   telemetry.NewClueTracer(),
	})

	server := httpapi.NewServer(facade, httpapi.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		CallbackSecret:    callbackSecret,
		Log:               log,
		SendRatePerSecond: envFloatOr("SEND_RATE_PER_SECOND", 2),
		SendBurst:         envIntOr("SEND_BURST", 5),
		MetricsHandler:    metricsHandler,
	})

	httpServer := &http.Server{Addr: addr, Handler: server}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "orchestrator listening", "addr", addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	supervisor.Cleanup(shutdownCtx, messages)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildStores(ctx context.Context) (
	orchestrator.ConversationStore,
	orchestrator.MessageStore,
	orchestrator.AgentSessionStore,
	orchestrator.PlanStore,
	orchestrator.ForensicsStore,
	func(),
	error,
) {
	if os.Getenv("MEMORY_STORE") != "" {
		return memstore.NewConversationStore(),
			memstore.NewMessageStore(),
			memstore.NewAgentSessionStore(),
			memstore.NewPlanStore(),
			memstore.NewForensicsStore(),
			func() {},
			nil
	}

	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		return nil, nil, nil, nil, nil, nil, errors.New("MONGO_URI is required unless MEMORY_STORE=1")
	}
	database := envOr("MONGO_DATABASE", "orchestrator")

	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(mongoCtx, nil); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	store, err := mongostore.New(mongostore.Options{Client: client, Database: database})
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("build mongo store: %w", err)
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(closeCtx); err != nil {
			log.Printf("disconnect mongo: %v", err)
		}
	}
	return store.Conversations(), store.Messages(), store.AgentSessions(), store.Plans(), memstore.NewForensicsStore(), cleanup, nil
}

func buildBroadcaster(ctx context.Context) (orchestrator.Broadcaster, func(), error) {
	if os.Getenv("MEMORY_STORE") != "" {
		return noopBroadcaster{}, func() {}, nil
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, nil, errors.New("REDIS_URL is required unless MEMORY_STORE=1")
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: os.Getenv("REDIS_PASSWORD")})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	pulseClient, err := pulse.New(pulse.Options{Redis: rdb})
	if err != nil {
		return nil, nil, fmt.Errorf("build pulse client: %w", err)
	}

	adapter := broadcastpulse.NewAdapter(pulseClient)
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adapter.Close(closeCtx)
		_ = rdb.Close()
	}
	return adapter, cleanup, nil
}

// noopBroadcaster discards every publish, used in MEMORY_STORE mode when no
// Redis-backed broadcast bus is configured.
type noopBroadcaster struct{}

func (noopBroadcaster) PublishReplyingState(context.Context, string, string, bool) error { return nil }
func (noopBroadcaster) PublishEvent(context.Context, string, string, orchestrator.DownstreamEvent) error {
	return nil
}
func (noopBroadcaster) PublishFinished(context.Context, string, string, orchestrator.Status) error {
	return nil
}
func (noopBroadcaster) PublishCancelled(context.Context, string, string) error { return nil }

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
