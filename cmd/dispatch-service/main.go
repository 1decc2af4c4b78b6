package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cabelost/depillo-sistema/internal/config"
	"github.com/cabelost/depillo-sistema/internal/dispatch"
	"github.com/cabelost/depillo-sistema/internal/feed"
	"github.com/cabelost/depillo-sistema/internal/httpapi"
	"github.com/cabelost/depillo-sistema/internal/hub"
	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/store"
	"github.com/cabelost/depillo-sistema/internal/store/memory"
	"github.com/cabelost/depillo-sistema/internal/store/postgres"
	"github.com/cabelost/depillo-sistema/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("dispatch-service", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var st store.Store
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	}

	dispatcher := dispatch.New(st, cfg.ReassignTimeout)
	defer dispatcher.Stop()
	if err := dispatcher.ResumeTimers(context.Background()); err != nil {
		log.Printf("resume timers error: %v", err)
	}

	h := hub.New()
	poller := feed.NewPoller(st, cfg.FeedPollInterval, cfg.FeedBatchSize, func(event feed.Event) {
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		env := eventEnvelope{Type: event.Type, Payload: payload, CreatedAt: time.Now().UTC()}
		data, _ := json.Marshal(env)
		h.NotifyAttendant(event.AttendantID, data)
	})
	poller.Subscribe(func(snapshot feed.Snapshot) {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		env := eventEnvelope{Type: "snapshot", Payload: payload, CreatedAt: time.Now().UTC()}
		data, _ := json.Marshal(env)
		h.Broadcast(data)
	})

	handler := httpapi.NewHandler(dispatcher, st)

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", newRealtimeHandler(st, h, poller))
	mux.Handle("/", httpapi.AuthMiddleware(st, handler.Routes()))

	chain := otelhttp.NewHandler(httpapi.LoggingMiddleware(httpapi.RateLimitMiddleware(httpapi.RateLimitConfig{
		PerIPRate:       cfg.RateLimitPerSecond,
		PerIPBurst:      cfg.RateLimitBurst,
		PerSessionRate:  cfg.SessionRatePerSecond,
		PerSessionBurst: cfg.SessionRateBurst,
	}, mux)), "dispatch-service")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      chain,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	go poller.Run(pollCtx)

	go func() {
		log.Printf("dispatch-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelPoll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// newRealtimeHandler serves the sockjs endpoint. Every accepted connection is
// auto-subscribed to its own attendant feed; a reception session may switch
// subscriptions to watch another attendant.
func newRealtimeHandler(st store.Store, h *hub.Hub, poller *feed.Poller) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		sessionID := realtimeSessionID(req)
		if sessionID == "" {
			_ = session.Close(4001, "missing session")
			return
		}
		authSession, err := st.GetSession(context.Background(), sessionID)
		if err != nil {
			_ = session.Close(4002, "invalid session")
			return
		}

		client := &hub.Client{
			ID:           uuid.NewString(),
			Send:         make(chan []byte, 16),
			Subscription: hub.Subscription{AttendantID: authSession.AttendantID},
		}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		// push the current state so the client does not wait for the next
		// outbox event
		if err := poller.RefreshNow(context.Background()); err != nil {
			log.Printf("initial snapshot error: %v", err)
		}

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			target := parsed.AttendantID
			if target == "" {
				target = authSession.AttendantID
			}
			if target != authSession.AttendantID && authSession.Role != models.RoleReception {
				_ = session.Close(4003, "access denied")
				return
			}
			h.UpdateSubscription(client, hub.Subscription{AttendantID: target})
		}
	})
}

func realtimeSessionID(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if header := strings.TrimSpace(r.Header.Get("X-Session-ID")); header != "" {
		return header
	}
	// browser sockjs clients cannot set headers, they pass the session in
	// the query string
	return strings.TrimSpace(r.URL.Query().Get("session"))
}
