// Package slack sends correlation notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/correlation"
)

const (
	maxDescriptionLen = 3000
	maxHeaderLen      = 150
	maxListed         = 10
	httpTimeout       = 10 * time.Second
)

// Notifier posts correlated alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	minScore   float64
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. Only correlations scoring at least
// minScore are reported. If webhookURL is empty, NotifyCorrelated is a no-op.
func New(webhookURL string, minScore float64, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		minScore:   minScore,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger.With("component", "slack"),
	}
}

// NotifyCorrelated posts a summary of a's strongest correlations. It returns
// nil without posting when no result reaches the score threshold.
func (n *Notifier) NotifyCorrelated(ctx context.Context, a *alert.Alert, results []correlation.Result) error {
	if n.webhookURL == "" || a == nil {
		return nil
	}

	strong := slices.DeleteFunc(slices.Clone(results), func(r correlation.Result) bool {
		return r.Score < n.minScore
	})
	if len(strong) == 0 {
		return nil
	}

	body, err := json.Marshal(buildMessage(a, strong))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // webhook URL comes from operator config
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, detail)
	}

	n.logger.Info(ctx, "correlation notification sent", "alert_id", a.ID, "correlated", len(strong))
	return nil
}

// Block Kit payload types, limited to the pieces this notifier sends.
type (
	message struct {
		Text   string  `json:"text"`
		Blocks []block `json:"blocks"`
	}

	block struct {
		Type     string `json:"type"`
		Text     *text  `json:"text,omitempty"`
		Fields   []text `json:"fields,omitempty"`
		Elements []text `json:"elements,omitempty"`
	}

	text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

var divider = block{Type: "divider"}

func markdown(format string, args ...any) text {
	return text{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

func buildMessage(a *alert.Alert, results []correlation.Result) message {
	title := fmt.Sprintf("%s Correlated alert: %s", severityEmoji(a.Severity), a.Title)

	blocks := []block{
		{Type: "header", Text: &text{Type: "plain_text", Text: truncate(title, maxHeaderLen)}},
		divider,
		{Type: "section", Fields: []text{
			markdown("*Severity:* %s", orNone(a.Severity)),
			markdown("*Source:* %s", orNone(a.Source)),
			markdown("*Category:* %s", orNone(a.Category)),
			markdown("*Status:* %s", a.Status),
			markdown("*Correlated:* %d", len(results)),
			markdown("*Top score:* %.2f", topScore(results)),
		}},
		divider,
		{Type: "section", Text: ptr(markdown("%s", listCorrelated(results)))},
	}
	if a.Description != "" {
		blocks = append(blocks, divider,
			block{Type: "section", Text: ptr(markdown("*Description*\n\n%s", truncate(a.Description, maxDescriptionLen)))})
	}
	blocks = append(blocks, divider, block{Type: "context", Elements: []text{
		markdown("corerecon • alert %s • %s", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
	}})

	return message{Text: title, Blocks: blocks}
}

func listCorrelated(results []correlation.Result) string {
	lines := []string{"*Correlated alerts*"}
	for i, r := range results {
		if i == maxListed {
			lines = append(lines, fmt.Sprintf("_and %d more_", len(results)-maxListed))
			break
		}
		lines = append(lines, fmt.Sprintf("• `%s` score %.2f", r.AlertID, r.Score))
	}
	return strings.Join(lines, "\n")
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "high":
		return "\U0001f534" // red
	case "medium", "warning":
		return "\U0001f7e1" // yellow
	default:
		return "\U0001f7e2" // green
	}
}

func topScore(results []correlation.Result) float64 {
	var top float64
	for _, r := range results {
		top = max(top, r.Score)
	}
	return top
}

func orNone(s string) string {
	if s == "" {
		return "_none_"
	}
	return s
}

func ptr[T any](v T) *T { return &v }

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
