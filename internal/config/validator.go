package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
)

// MaxDeliveryRetries bounds delivery.max_retries.
const MaxDeliveryRetries = 20

// Validate checks the config for:
//   - Required fields and positive durations
//   - Known storage driver, log level and format
//   - Subscription ids (required, unique), URLs and event types
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Ledger.BaseURL == "" {
		errs = append(errs, "ledger.base_url is required")
	} else if !httpURL(cfg.Ledger.BaseURL) {
		errs = append(errs, fmt.Sprintf("ledger.base_url %q must be an absolute http(s) url", cfg.Ledger.BaseURL))
	}

	for _, f := range []struct {
		name string
		v    int
	}{
		{"poller.interval_ms", cfg.Poller.IntervalMs},
		{"poller.fetch_timeout_ms", cfg.Poller.FetchTimeoutMs},
		{"poller.concurrency", cfg.Poller.Concurrency},
		{"delivery.max_retries", cfg.Delivery.MaxRetries},
		{"delivery.retry_delay_ms", cfg.Delivery.RetryDelayMs},
		{"delivery.max_backoff_ms", cfg.Delivery.MaxBackoffMs},
		{"delivery.attempt_timeout_ms", cfg.Delivery.AttemptTimeoutMs},
		{"delivery.workers", cfg.Delivery.Workers},
		{"delivery.queue_depth", cfg.Delivery.QueueDepth},
		{"delivery.history_size", cfg.Delivery.HistorySize},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative", f.name))
		}
	}
	if cfg.Delivery.MaxRetries > MaxDeliveryRetries {
		errs = append(errs, fmt.Sprintf("delivery.max_retries must be at most %d", MaxDeliveryRetries))
	}
	if cfg.Delivery.RateLimitRPS < 0 {
		errs = append(errs, "delivery.rate_limit_rps must not be negative")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be memory or sqlite", cfg.Storage.Driver))
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q must be debug, info, warn or error", cfg.LogLevel))
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log_format %q must be text or json", cfg.LogFormat))
	}

	ids := make(map[string]int)
	for i, sc := range cfg.Subscriptions {
		loc := fmt.Sprintf("subscriptions[%d]", i)
		if sc.ID == "" {
			errs = append(errs, loc+": id is required")
		} else if prev, ok := ids[sc.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate subscription id %q (subscriptions[%d] and %s)", sc.ID, prev, loc))
		} else {
			ids[sc.ID] = i
		}
		if !httpURL(sc.URL) {
			errs = append(errs, fmt.Sprintf("%s: url %q must be an absolute http(s) url", loc, sc.URL))
		}
		for _, t := range sc.EventTypes {
			if !event.Known(t) {
				errs = append(errs, fmt.Sprintf("%s: unknown event type %q", loc, t))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func httpURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}
