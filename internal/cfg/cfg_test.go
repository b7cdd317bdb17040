package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		NATSSubjectPrefix:     "corerecon.events",
		NATSReconnectSeconds:  2,
		WSMaxConnections:      5000,
		WSSendQueue:           64,
		SlackMinScore:         0.5,
	}
}

func parseFlags(t *testing.T, args ...string) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := parseFlags(t)
	want := validBase()
	if c != want {
		t.Errorf("defaults = %+v\nwant      %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	c := parseFlags(t,
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-token", "tok",
		"-database-url", "postgres://localhost/corerecon",
		"-db-slow-query-ms", "250",
		"-db-log-query-args",
		"-nats-url", "nats://nats:4222",
		"-nats-subject-prefix", "soc.events",
		"-ws-max-connections", "10",
		"-ws-allowed-origins", "https://a.example, https://b.example ,",
		"-slack-min-score", "0.8",
	)

	want := validBase()
	want.DrainSeconds, want.ShutdownBudgetSeconds, want.APIPort = 30, 120, 9090
	want.APIToken = "tok"
	want.DatabaseURL, want.DBSlowQueryMillis, want.DBLogQueryArgs = "postgres://localhost/corerecon", 250, true
	want.NATSURL, want.NATSSubjectPrefix = "nats://nats:4222", "soc.events"
	want.WSMaxConnections = 10
	want.WSAllowedOrigins = "https://a.example, https://b.example ,"
	want.SlackMinScore = 0.8
	if c != want {
		t.Errorf("parsed = %+v\nwant    %+v", c, want)
	}

	if got := c.AllowedOrigins(); !slices.Equal(got, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("AllowedOrigins = %v", got)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestAllowedOrigins_Empty(t *testing.T) {
	t.Parallel()

	c := validBase()
	if got := c.AllowedOrigins(); got != nil {
		t.Fatalf("AllowedOrigins = %v, want nil", got)
	}
}

func TestAPITokens_Rotation(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.APIToken = " current ,previous,, "
	if got := c.APITokens(); !slices.Equal(got, []string{"current", "previous"}) {
		t.Fatalf("APITokens = %v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	// want lists substrings the error must contain; nil means valid.
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"defaults", func(*Config) {}, nil},
		{"lower bounds", func(c *Config) {
			c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
			c.NATSReconnectSeconds, c.WSMaxConnections, c.WSSendQueue, c.SlackMinScore = 1, 1, 1, 0
		}, nil},
		{"upper bounds", func(c *Config) {
			c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
			c.NATSReconnectSeconds, c.WSMaxConnections, c.WSSendQueue, c.SlackMinScore = 300, 100000, 4096, 1
			c.DBSlowQueryMillis = 60000
		}, nil},

		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, []string{"DRAIN_SECONDS"}},
		{"drain too long", func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }, []string{"DRAIN_SECONDS"}},
		{"budget not above drain", func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }, []string{"must be greater than"}},
		{"budget negative", func(c *Config) { c.ShutdownBudgetSeconds = -1 }, []string{"SHUTDOWN_BUDGET_SECONDS"}},
		{"budget equals drain", func(c *Config) { c.ShutdownBudgetSeconds = 60 }, []string{"must be greater than"}},

		{"port zero", func(c *Config) { c.APIPort = 0 }, []string{"HTTP_PORT"}},
		{"port too high", func(c *Config) { c.APIPort = 65536 }, []string{"HTTP_PORT"}},
		{"slow query negative", func(c *Config) { c.DBSlowQueryMillis = -1 }, []string{"DB_SLOW_QUERY_MS"}},
		{"slow query too high", func(c *Config) { c.DBSlowQueryMillis = 60001 }, []string{"DB_SLOW_QUERY_MS"}},

		{"nats url", func(c *Config) { c.NATSURL = "nats://127.0.0.1:4222" }, nil},
		{"nats tls url", func(c *Config) { c.NATSURL = "tls://nats.internal:4222" }, nil},
		{"nats http scheme", func(c *Config) { c.NATSURL = "http://127.0.0.1:4222" }, []string{"NATS_URL"}},
		{"nats no host", func(c *Config) { c.NATSURL = "nats://" }, []string{"NATS_URL"}},
		{"subject wildcard", func(c *Config) { c.NATSSubjectPrefix = "corerecon.>" }, []string{"NATS_SUBJECT_PREFIX"}},
		{"subject star", func(c *Config) { c.NATSSubjectPrefix = "corerecon.*" }, []string{"NATS_SUBJECT_PREFIX"}},
		{"subject leading dot", func(c *Config) { c.NATSSubjectPrefix = ".corerecon" }, []string{"NATS_SUBJECT_PREFIX"}},
		{"subject trailing dot", func(c *Config) { c.NATSSubjectPrefix = "corerecon." }, []string{"NATS_SUBJECT_PREFIX"}},
		{"subject space", func(c *Config) { c.NATSSubjectPrefix = "core recon" }, []string{"NATS_SUBJECT_PREFIX"}},
		{"subject empty", func(c *Config) { c.NATSSubjectPrefix = "" }, []string{"NATS_SUBJECT_PREFIX"}},
		{"reconnect zero", func(c *Config) { c.NATSReconnectSeconds = 0 }, []string{"NATS_RECONNECT_SECONDS"}},

		{"ws connections zero", func(c *Config) { c.WSMaxConnections = 0 }, []string{"WS_MAX_CONNECTIONS"}},
		{"ws queue too large", func(c *Config) { c.WSSendQueue = 4097 }, []string{"WS_SEND_QUEUE"}},

		{"slack https", func(c *Config) { c.SlackWebhookURL = "https://hooks.slack.com/services/x" }, nil},
		{"slack plain http", func(c *Config) { c.SlackWebhookURL = "http://hooks.slack.com/x" }, []string{"SLACK_WEBHOOK_URL"}},
		{"slack score above one", func(c *Config) { c.SlackMinScore = 1.01 }, []string{"SLACK_MIN_SCORE"}},
		{"slack score NaN", func(c *Config) { c.SlackMinScore = math.NaN() }, []string{"SLACK_MIN_SCORE"}},

		{"everything wrong", func(c *Config) { *c = Config{SlackMinScore: -1} }, []string{
			"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "NATS_SUBJECT_PREFIX",
			"NATS_RECONNECT_SECONDS", "WS_MAX_CONNECTIONS", "WS_SEND_QUEUE", "SLACK_MIN_SCORE",
		}},
		{"min int", func(c *Config) {
			c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
		}, []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tt.mutate(&c)
			err := c.Validate()

			switch {
			case tt.want == nil && err != nil:
				t.Fatalf("Validate() = %v, want nil", err)
			case tt.want != nil && err == nil:
				t.Fatalf("Validate() = nil, want error mentioning %v", tt.want)
			}
			for _, sub := range tt.want {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q does not mention %q", err, sub)
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, maxConns int
		score                         float64
	}{
		{60, 90, 8080, 5000, 0.5},
		{1, 2, 1, 1, 0},
		{299, 300, 65535, 100000, 1},
		{0, 0, 0, 0, -1},
		{-1, -1, -1, -1, 2},
		{300, 300, 65535, 100001, 0.5},
		{150, 100, 8080, 10, 0.3},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.Inf(-1)},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.Inf(1)},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.maxConns, s.score)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, maxConns int, score float64) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.WSMaxConnections = maxConns
		c.SlackMinScore = score
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		connsOK := maxConns >= 1 && maxConns <= 100000
		scoreOK := score >= 0 && score <= 1

		allValid := drainOK && budgetOK && portOK && crossOK && connsOK && scoreOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
