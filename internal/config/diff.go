package config

// RestartRequired lists the settings that differ between prev and next but are
// only read at startup. The tracked set and subscriptions reload live and are
// not reported.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}

	add("chain_id", prev.ChainID != next.ChainID)
	add("log_level", prev.LogLevel != next.LogLevel)
	add("log_format", prev.LogFormat != next.LogFormat)
	add("ledger", prev.Ledger != next.Ledger)

	add("poller.interval_ms", prev.Poller.IntervalMs != next.Poller.IntervalMs)
	add("poller.fetch_timeout_ms", prev.Poller.FetchTimeoutMs != next.Poller.FetchTimeoutMs)
	add("poller.concurrency", prev.Poller.Concurrency != next.Poller.Concurrency)

	add("delivery", prev.Delivery != next.Delivery)
	add("storage", prev.Storage != next.Storage)
	return changed
}
