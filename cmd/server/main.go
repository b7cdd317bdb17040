// Corerecon correlates and deduplicates security alerts and streams alert
// events to connected observers in real time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	rc "github.com/linnemanlabs/corerecon/internal/cfg"
)

const (
	appName   = "corerecon"
	component = "server"
	envPrefix = "CORERECON_"
)

// settings gathers every package's flag-backed configuration.
type settings struct {
	app    rc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config
}

func (s *settings) register(fs *flag.FlagSet) {
	s.app.RegisterFlags(fs)
	s.http.RegisterFlags(fs)
	s.httpmw.RegisterFlags(fs)
	s.log.RegisterFlags(fs)
	s.ops.RegisterFlags(fs)
	s.prof.RegisterFlags(fs)
	s.trace.RegisterFlags(fs)
}

func (s *settings) validate() error {
	err := errors.Join(
		s.app.Validate(),
		s.http.Validate(),
		s.httpmw.Validate(),
		s.log.Validate(),
		s.ops.Validate(),
		s.prof.Validate(),
		s.trace.Validate(),
	)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if s.app.APIPort == s.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", s.app.APIPort)
	}
	return nil
}

// stopStep is one component in the ordered shutdown sequence.
type stopStep struct {
	name string
	fn   func(context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var s settings
	s.register(flag.CommandLine)
	showVersion := flag.Bool("V", false, "Print version+build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty)
		return nil
	}

	// Environment fills only flags left unset on the command line.
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := s.validate(); err != nil {
		return err
	}

	lg, err := log.New(s.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", s.app.APIPort,
		"admin_port", s.ops.Port,
		"database", s.app.DatabaseURL != "",
		"nats_url", s.app.NATSURL,
		"nats_subject_prefix", s.app.NATSSubjectPrefix,
		"ws_max_connections", s.app.WSMaxConnections,
		"api_auth", s.app.APIToken != "",
		"enable_tracing", s.trace.EnableTracing,
		"otlp_endpoint", s.trace.OTLPEndpoint,
		"enable_pyroscope", s.prof.EnablePyroscope,
		"trusted_proxy_hops", s.httpmw.TrustedProxyHops,
	)

	// Profiling first so the whole process lifetime is sampled.
	profOpts := s.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", s.prof.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := s.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)
	m.SetProfilingActive(profErr == nil && s.prof.EnablePyroscope)

	a, err := buildApp(ctx, L, &s.app, m.Registry(), v.AppName+"-"+v.Component)
	if err != nil {
		return err
	}
	defer a.closeStore()
	stopRelay := startRelay(L, a.relay)

	// Readiness fails once draining starts so load balancers stop routing here.
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := s.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// The ops listener rejects public clients and forwarded requests.
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		_ = stopRelay(context.Background())
		return fmt.Errorf("ops http listener: %w", err)
	}

	httpOpts, err := s.http.ToOptions()
	if err != nil {
		_ = stopOps(context.Background())
		_ = stopRelay(context.Background())
		return fmt.Errorf("http config: %w", err)
	}

	h := apiHandler(handlerDeps{
		logger:     L,
		app:        a,
		tokens:     s.app.APITokens(),
		proxyHops:  s.httpmw.TrustedProxyHops,
		healthz:    health.HealthzHandler(liveness),
		readyz:     health.ReadyzHandler(readiness),
		middleware: m.Middleware,
	})
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", s.app.APIPort), h, L, httpOpts)
	if err != nil {
		_ = stopOps(context.Background())
		_ = stopRelay(context.Background())
		return fmt.Errorf("api http listener: %w", err)
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	bg := log.WithContext(context.Background(), L)
	L.Info(bg, "shutdown signal received")
	gate.Set("draining")
	drain(bg, L, time.Duration(s.app.DrainSeconds)*time.Second)

	// Listeners close before streams so no new upgrades race CloseAll.
	// The relay stays up until then so draining requests still fan out.
	steps := []stopStep{
		{"api http server", stopAPI},
		{"stream connections", func(context.Context) error {
			a.hub.Registry().CloseAll()
			return nil
		}},
		{"relay", stopRelay},
		{"ops http server", stopOps},
	}
	if shutdownOtel != nil {
		steps = append(steps, stopStep{"otel", shutdownOtel})
	}
	shutdown(bg, L, time.Duration(s.app.ShutdownBudgetSeconds)*time.Second, steps)

	L.Info(bg, "shutdown complete")
	return nil
}

// drain waits out the drain period. A second signal cuts it short.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	L.Info(ctx, "draining", "drain_seconds", int(d/time.Second))

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		L.Info(ctx, "drain period complete")
	case <-again:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// shutdown runs steps in order, giving each an equal slice of budget.
func shutdown(ctx context.Context, L log.Logger, budget time.Duration, steps []stopStep) {
	if len(steps) == 0 {
		return
	}
	each := budget / time.Duration(len(steps))

	total, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, st := range steps {
		sctx, scancel := context.WithTimeout(total, each)
		if err := st.fn(sctx); err != nil {
			L.Error(ctx, err, "shutdown step failed", "step", st.name)
		}
		scancel()
	}
}

func notifySystemd() error {
	// NOTIFY_SOCKET is only set when systemd started us with Type=notify.
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
