// internal/notify/texter.go - SMS-style text gateway client
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"fleetwatch/internal/database"

	"github.com/sirupsen/logrus"
)

const userAgent = "fleetwatch/1.0"

// Texter delivers short text notifications.
type Texter interface {
	Send(ctx context.Context, settings *database.Settings, message string) error
}

// GatewayTexter posts messages to an HTTP text gateway. Messages are
// rendered through a template and rate limited by a sliding window so a
// flapping fleet cannot flood the gateway.
type GatewayTexter struct {
	httpClient *http.Client
	throttler  *Throttler
	template   *template.Template
}

type gatewayMessage struct {
	Token      string   `json:"token"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	Timestamp  int64    `json:"timestamp"`
}

type gatewayResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

func NewGatewayTexter() *GatewayTexter {
	tmpl := template.Must(template.New("text").Parse("[fleetwatch] {{.Message}}"))
	return &GatewayTexter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		throttler:  NewThrottler(15*time.Minute, 20),
		template:   tmpl,
	}
}

func (t *GatewayTexter) Send(ctx context.Context, settings *database.Settings, message string) error {
	if settings.TextGatewayURL == "" || len(settings.TextRecipients) == 0 {
		return fmt.Errorf("text gateway is not configured")
	}

	if t.throttler.IsThrottled() {
		logrus.Debug("Text notification throttled")
		return nil
	}

	var buf bytes.Buffer
	if err := t.template.Execute(&buf, map[string]interface{}{"Message": message}); err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	payload := &gatewayMessage{
		Token:      settings.TextGatewayToken,
		Recipients: settings.TextRecipients,
		Message:    buf.String(),
		Timestamp:  time.Now().Unix(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", settings.TextGatewayURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("text gateway returned status %d", resp.StatusCode)
	}

	var gwResp gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gwResp); err == nil && len(gwResp.Errors) > 0 {
		return fmt.Errorf("text gateway error: %v", gwResp.Errors)
	}

	t.throttler.Record()
	logrus.WithField("recipients", len(settings.TextRecipients)).Info("Text notification sent")
	return nil
}

// Throttler caps deliveries inside a sliding window.
type Throttler struct {
	window time.Duration
	max    int
	sent   []time.Time
	mu     sync.Mutex
}

func NewThrottler(window time.Duration, max int) *Throttler {
	return &Throttler{window: window, max: max}
}

func (t *Throttler) IsThrottled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(time.Now())
	return len(t.sent) >= t.max
}

func (t *Throttler) Record() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.prune(now)
	t.sent = append(t.sent, now)
}

func (t *Throttler) prune(now time.Time) {
	windowStart := now.Add(-t.window)
	valid := t.sent[:0]
	for _, ts := range t.sent {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	t.sent = valid
}
