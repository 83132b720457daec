package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultAlertInterval is how often the monitor samples the risk score.
	DefaultAlertInterval = 3 * time.Second

	// DefaultAlertCooldown separates two consecutive alerts.
	DefaultAlertCooldown = 5 * time.Minute

	alertMaxTries = 4
)

// AlertConfig configures risk alerts.
type AlertConfig struct {
	Threshold int           `json:"threshold"`
	URL       string        `json:"url"`
	Cooldown  time.Duration `json:"cooldown"`
}

// AlertStatus is the monitor state.
type AlertStatus struct {
	Enabled  bool        `json:"enabled"`
	Config   AlertConfig `json:"config"`
	LastSent time.Time   `json:"last_sent"`
	Sent     uint64      `json:"sent"`
	Failed   uint64      `json:"failed"`
}

type alertPayload struct {
	Alert     string `json:"alert"`
	Risk      int    `json:"risk"`
	Threshold int    `json:"threshold"`
}

// AlertMonitor posts a webhook when the risk score stays at or above a
// threshold. Network delivery happens without holding the monitor lock.
type AlertMonitor struct {
	tel      *Telemetry
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	backoff  func() backoff.BackOff

	mu     sync.Mutex
	status AlertStatus
}

// AlertOption configures an AlertMonitor.
type AlertOption func(*AlertMonitor)

// WithAlertInterval overrides DefaultAlertInterval.
func WithAlertInterval(d time.Duration) AlertOption {
	return func(m *AlertMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithAlertBackOff overrides the retry policy used for delivery.
func WithAlertBackOff(fn func() backoff.BackOff) AlertOption {
	return func(m *AlertMonitor) {
		if fn != nil {
			m.backoff = fn
		}
	}
}

// NewAlertMonitor creates a disabled monitor.
func NewAlertMonitor(tel *Telemetry, client *http.Client, logger *slog.Logger, opts ...AlertOption) *AlertMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &AlertMonitor{
		tel:      tel,
		client:   client,
		logger:   logger,
		interval: DefaultAlertInterval,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure validates cfg and enables the monitor.
func (m *AlertMonitor) Configure(cfg AlertConfig) (AlertStatus, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return AlertStatus{}, fmt.Errorf("alert url must be an absolute http(s) url")
	}
	cfg.Threshold = int(clamp(int64(cfg.Threshold)))
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultAlertCooldown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Enabled = true
	m.status.Config = cfg

	m.logger.Info("Risk alerts configured", "threshold", cfg.Threshold, "host", u.Host, "cooldown", cfg.Cooldown)
	return m.status, nil
}

// Disable stops alerting.
func (m *AlertMonitor) Disable() {
	m.mu.Lock()
	m.status.Enabled = false
	m.mu.Unlock()
	m.logger.Info("Risk alerts disabled")
}

// Status returns the monitor state.
func (m *AlertMonitor) Status() AlertStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run samples the risk score until ctx is cancelled.
func (m *AlertMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("Risk alert delivery failed", "error", err)
			}
		}
	}
}

// Check sends an alert when enabled, the risk is at or above the threshold
// and the cooldown has elapsed. It reports whether an alert was attempted.
func (m *AlertMonitor) Check(ctx context.Context) (bool, error) {
	risk := m.tel.CurrentRisk()
	now := m.tel.now()

	m.mu.Lock()
	cfg := m.status.Config
	due := m.status.Enabled && risk >= cfg.Threshold &&
		(m.status.LastSent.IsZero() || now.Sub(m.status.LastSent) >= cfg.Cooldown)
	if due {
		m.status.LastSent = now
	}
	m.mu.Unlock()

	if !due {
		return false, nil
	}

	m.tel.RecordEvent(EventRiskAlert, fmt.Sprintf("risk=%d threshold=%d", risk, cfg.Threshold))
	err := m.deliver(ctx, cfg.URL, alertPayload{Alert: "risk_high", Risk: risk, Threshold: cfg.Threshold})

	m.mu.Lock()
	if err != nil {
		m.status.Failed++
	} else {
		m.status.Sent++
	}
	m.mu.Unlock()
	return true, err
}

func (m *AlertMonitor) deliver(ctx context.Context, target string, payload alertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return struct{}{}, backoff.Permanent(fmt.Errorf("alert endpoint rejected alert with %d", resp.StatusCode))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(m.backoff()),
		backoff.WithMaxTries(alertMaxTries),
	)
	if err != nil {
		return fmt.Errorf("delivering risk alert: %w", err)
	}
	return nil
}
