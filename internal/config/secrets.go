package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Broker
	out.Broker = cfg.Broker
	redact(&out.Broker.BridgeToken)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Broker.SimSymbols != nil {
		out.Broker.SimSymbols = make([]string, len(cfg.Broker.SimSymbols))
		copy(out.Broker.SimSymbols, cfg.Broker.SimSymbols)
	}
	if cfg.Scan.Symbols != nil {
		out.Scan.Symbols = make([]string, len(cfg.Scan.Symbols))
		copy(out.Scan.Symbols, cfg.Scan.Symbols)
	}
	if cfg.Filters.NewsWindows != nil {
		out.Filters.NewsWindows = make([]string, len(cfg.Filters.NewsWindows))
		copy(out.Filters.NewsWindows, cfg.Filters.NewsWindows)
	}
	if cfg.Filters.AllowSymbols != nil {
		out.Filters.AllowSymbols = make([]string, len(cfg.Filters.AllowSymbols))
		copy(out.Filters.AllowSymbols, cfg.Filters.AllowSymbols)
	}
	if cfg.Filters.DenySymbols != nil {
		out.Filters.DenySymbols = make([]string, len(cfg.Filters.DenySymbols))
		copy(out.Filters.DenySymbols, cfg.Filters.DenySymbols)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
