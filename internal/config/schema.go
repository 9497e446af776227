package config

import (
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
)

// Config is the top-level YAML structure.
type Config struct {
	ChainID       uint64             `yaml:"chain_id"`
	LogLevel      string             `yaml:"log_level"`  // debug, info, warn, error
	LogFormat     string             `yaml:"log_format"` // text, json
	Ledger        LedgerConf         `yaml:"ledger"`
	Poller        PollerConf         `yaml:"poller"`
	Delivery      DeliveryConf       `yaml:"delivery"`
	Storage       StorageConf        `yaml:"storage"`
	Subscriptions []SubscriptionConf `yaml:"subscriptions"`
}

// LedgerConf points at the read gateway in front of the chain node.
type LedgerConf struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// PollerConf holds polling cadence and the initial tracked entity ids.
type PollerConf struct {
	IntervalMs     int      `yaml:"interval_ms"`
	FetchTimeoutMs int      `yaml:"fetch_timeout_ms"`
	Concurrency    int      `yaml:"concurrency"`
	Tracked        []uint64 `yaml:"tracked"`
}

// DeliveryConf holds webhook retry and concurrency settings.
type DeliveryConf struct {
	MaxRetries       int     `yaml:"max_retries"`
	RetryDelayMs     int     `yaml:"retry_delay_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	AttemptTimeoutMs int     `yaml:"attempt_timeout_ms"`
	Workers          int     `yaml:"workers"`
	QueueDepth       int     `yaml:"queue_depth"`
	HistorySize      int     `yaml:"history_size"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps"` // 0 = unlimited
	RateLimitBurst   int     `yaml:"rate_limit_burst"`
}

// StorageConf selects where snapshots and subscriptions live.
type StorageConf struct {
	Driver string `yaml:"driver"` // memory, sqlite
	Path   string `yaml:"path"`
}

// SubscriptionConf declares a webhook in the config file. Its id is required so
// reloads update the same registration.
type SubscriptionConf struct {
	ID         string       `yaml:"id"`
	URL        string       `yaml:"url"`
	EventTypes []event.Type `yaml:"event_types"` // empty = all
	Addresses  []string     `yaml:"addresses"`
	EntityIDs  []uint64     `yaml:"entity_ids"`
	Secret     string       `yaml:"secret"`
}

func (p PollerConf) Interval() time.Duration     { return ms(p.IntervalMs) }
func (p PollerConf) FetchTimeout() time.Duration { return ms(p.FetchTimeoutMs) }

func (d DeliveryConf) RetryDelay() time.Duration     { return ms(d.RetryDelayMs) }
func (d DeliveryConf) MaxBackoff() time.Duration     { return ms(d.MaxBackoffMs) }
func (d DeliveryConf) AttemptTimeout() time.Duration { return ms(d.AttemptTimeoutMs) }

func (l LedgerConf) Timeout() time.Duration { return ms(l.TimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
