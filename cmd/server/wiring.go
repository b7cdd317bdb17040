package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/corerecon/internal/alertapi"
	"github.com/linnemanlabs/corerecon/internal/authmw"
	rc "github.com/linnemanlabs/corerecon/internal/cfg"
	"github.com/linnemanlabs/corerecon/internal/correlation"
	"github.com/linnemanlabs/corerecon/internal/correlation/memstore"
	"github.com/linnemanlabs/corerecon/internal/correlation/pgstore"
	"github.com/linnemanlabs/corerecon/internal/hub"
	"github.com/linnemanlabs/corerecon/internal/notify/slack"
	"github.com/linnemanlabs/corerecon/internal/postgres"
	"github.com/linnemanlabs/corerecon/internal/relay"
	"github.com/linnemanlabs/corerecon/internal/signature"
	"github.com/linnemanlabs/corerecon/internal/streamapi"
)

// maxRequestBody caps API request bodies. Raw event payloads dominate.
const maxRequestBody = 64 << 10

// app holds the long-lived components built from configuration.
type app struct {
	service *correlation.Service
	hub     *hub.Hub
	relay   *relay.Relay
	streams *streamapi.API

	closeStore func()
}

func buildApp(ctx context.Context, L log.Logger, c *rc.Config, reg prometheus.Registerer, name string) (*app, error) {
	extractor, err := loadExtractor(ctx, L, c.SignatureAliasesFile)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, L, c)
	if err != nil {
		return nil, err
	}
	observeDBQueries(reg)

	h := hub.New(L, hub.NewMetrics(reg))
	rl := newRelay(L, c, h, reg, name)

	var notifier correlation.Notifier
	if c.SlackWebhookURL != "" {
		notifier = slack.New(c.SlackWebhookURL, c.SlackMinScore, L)
		L.Info(ctx, "slack notifications enabled", "min_score", c.SlackMinScore)
	}

	return &app{
		service: correlation.NewService(store, extractor, L, correlation.NewMetrics(reg), rl, notifier),
		hub:     h,
		relay:   rl,
		streams: streamapi.New(h, streamapi.Config{
			MaxConnections: c.WSMaxConnections,
			SendQueue:      c.WSSendQueue,
			AllowedOrigins: c.AllowedOrigins(),
		}, L),
		closeStore: closeStore,
	}, nil
}

// loadExtractor returns the default extractor unless an alias file is set.
func loadExtractor(ctx context.Context, L log.Logger, path string) (*signature.Extractor, error) {
	if path == "" {
		return signature.Default(), nil
	}
	aliases, err := signature.LoadAliases(path)
	if err != nil {
		return nil, fmt.Errorf("signature aliases: %w", err)
	}
	L.Info(ctx, "signature aliases loaded", "path", path)
	return signature.NewExtractor(aliases), nil
}

// openStore picks postgres when a database URL is configured and the
// in-memory store otherwise. The returned close func is never nil.
func openStore(ctx context.Context, L log.Logger, c *rc.Config) (correlation.Store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "alert store", "backend", "memory")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
		SlowQueryThreshold: time.Duration(c.DBSlowQueryMillis) * time.Millisecond,
		LogQueryArgs:       c.DBLogQueryArgs,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	store, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "alert store", "backend", "postgres")
	return store, pool.Close, nil
}

func observeDBQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corerecon_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			hist.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))
}

// newRelay returns a relay that only delivers locally when no NATS URL is set.
func newRelay(L log.Logger, c *rc.Config, h *hub.Hub, reg prometheus.Registerer, name string) *relay.Relay {
	wait := time.Duration(c.NATSReconnectSeconds) * time.Second

	var dial relay.Dialer
	if c.NATSURL != "" {
		dial = relay.NATSDialer(relay.NATSConfig{
			URL:           c.NATSURL,
			Name:          name,
			ReconnectWait: wait,
		}, L)
	}
	return relay.New(h, dial, relay.Config{
		SubjectPrefix:     c.NATSSubjectPrefix,
		ReconnectInterval: wait,
	}, L, relay.NewMetrics(reg))
}

// startRelay runs the relay until the returned stop func is called.
// It is detached from the signal context so events flow during drain.
func startRelay(L log.Logger, rl *relay.Relay) func(context.Context) error {
	ctx, cancel := context.WithCancel(log.WithContext(context.Background(), L))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rl.Run(ctx); err != nil {
			L.Error(ctx, err, "relay stopped")
		}
	}()

	return func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

type handlerDeps struct {
	logger     log.Logger
	app        *app
	tokens     []string
	proxyHops  int
	healthz    http.HandlerFunc
	readyz     http.HandlerFunc
	middleware func(http.Handler) http.Handler
}

// apiHandler assembles the public listener. Wrappers are applied inside
// out: the last one added sees the raw request first.
func apiHandler(d handlerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(postgres.Middleware)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get("/-/healthy", d.healthz)
	r.Get("/-/ready", d.readyz)

	var authed []func(http.Handler) http.Handler
	if len(d.tokens) > 0 {
		authed = append(authed, authmw.BearerToken(d.tokens...))
	}
	alertapi.New(d.logger, d.app.service, d.app.relay, d.app.hub.Registry()).RegisterRoutes(r, authed...)

	var h http.Handler = r
	h = httpmw.WithLogger(d.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(untracedProbe),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if d.middleware != nil {
		h = d.middleware(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: d.proxyHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(d.logger, nil)(h)

	h = routeUpgrades(streamHandler(d), h)
	return httpmw.SecurityHeaders(h)
}

// streamHandler serves websocket upgrades. Hijacking needs the raw
// ResponseWriter, so only logging and recovery wrap it.
func streamHandler(d handlerDeps) http.Handler {
	var h http.Handler = d.app.streams.Routes()
	if len(d.tokens) > 0 {
		h = authmw.BearerTokenOrQuery(d.tokens...)(h)
	}
	h = httpmw.WithLogger(d.logger)(h)
	return httpmw.Recover(d.logger, nil)(h)
}

func untracedProbe(r *http.Request) bool {
	return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
}

// routeUpgrades sends /ws/ requests to ws and everything else to next.
func routeUpgrades(ws, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			ws.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
