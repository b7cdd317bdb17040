package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// Config adds corerecon-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	DBSlowQueryMillis     int
	DBLogQueryArgs        bool
	SignatureAliasesFile  string

	NATSURL              string
	NATSSubjectPrefix    string
	NATSReconnectSeconds int

	WSMaxConnections int
	WSSendQueue      int
	WSAllowedOrigins string

	SlackWebhookURL string
	SlackMinScore   float64
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted on /api/v1 and /ws (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 0, "only log successful queries slower than this many milliseconds (0 = log all)")
	fs.BoolVar(&c.DBLogQueryArgs, "db-log-query-args", false, "include bound query parameters in query logs and spans")
	fs.StringVar(&c.SignatureAliasesFile, "signature-aliases", "", "YAML file overriding raw event field aliases")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for cross-instance event relay (empty = local only)")
	fs.StringVar(&c.NATSSubjectPrefix, "nats-subject-prefix", "corerecon.events", "NATS subject prefix for relayed events")
	fs.IntVar(&c.NATSReconnectSeconds, "nats-reconnect-seconds", 2, "seconds between relay reconnect attempts (1..300)")

	fs.IntVar(&c.WSMaxConnections, "ws-max-connections", 5000, "maximum concurrent websocket connections (1..100000)")
	fs.IntVar(&c.WSSendQueue, "ws-send-queue", 64, "per-connection outbound message queue (1..4096)")
	fs.StringVar(&c.WSAllowedOrigins, "ws-allowed-origins", "", "comma-separated websocket origins allowed to connect (empty = any)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for correlation notifications")
	fs.Float64Var(&c.SlackMinScore, "slack-min-score", 0.5, "minimum correlation score that triggers a Slack notification (0..1)")
}

// APITokens splits APIToken into trimmed, non-empty tokens.
func (c *Config) APITokens() []string {
	return splitList(c.APIToken)
}

// AllowedOrigins splits WSAllowedOrigins into trimmed, non-empty entries.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.WSAllowedOrigins)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBSlowQueryMillis < 0 || c.DBSlowQueryMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be 0..60000)", c.DBSlowQueryMillis))
	}

	if c.NATSURL != "" {
		u, err := url.Parse(c.NATSURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid NATS_URL %q", c.NATSURL))
		} else {
			switch u.Scheme {
			case "nats", "tls", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("invalid NATS_URL scheme %q (want nats, tls, ws or wss)", u.Scheme))
			}
		}
	}

	// Subject prefix must be a literal NATS subject
	if c.NATSSubjectPrefix == "" || strings.ContainsAny(c.NATSSubjectPrefix, " \t*>") ||
		strings.HasPrefix(c.NATSSubjectPrefix, ".") || strings.HasSuffix(c.NATSSubjectPrefix, ".") {
		errs = append(errs, fmt.Errorf("invalid NATS_SUBJECT_PREFIX %q", c.NATSSubjectPrefix))
	}
	if c.NATSReconnectSeconds <= 0 || c.NATSReconnectSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid NATS_RECONNECT_SECONDS %d (must be 1..300)", c.NATSReconnectSeconds))
	}

	if c.WSMaxConnections <= 0 || c.WSMaxConnections > 100000 {
		errs = append(errs, fmt.Errorf("invalid WS_MAX_CONNECTIONS %d (must be 1..100000)", c.WSMaxConnections))
	}
	if c.WSSendQueue <= 0 || c.WSSendQueue > 4096 {
		errs = append(errs, fmt.Errorf("invalid WS_SEND_QUEUE %d (must be 1..4096)", c.WSSendQueue))
	}

	if c.SlackWebhookURL != "" && !strings.HasPrefix(c.SlackWebhookURL, "https://") {
		errs = append(errs, errors.New("SLACK_WEBHOOK_URL must use https"))
	}
	if math.IsNaN(c.SlackMinScore) || c.SlackMinScore < 0 || c.SlackMinScore > 1 {
		errs = append(errs, fmt.Errorf("invalid SLACK_MIN_SCORE %v (must be 0..1)", c.SlackMinScore))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
