package config

// Redacted returns a shallow copy of cfg with sensitive fields replaced by
// the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func Redacted(cfg *Config) Config {
	out := *cfg

	redact(&out.Polymarket.PrivateKey)
	redact(&out.Polymarket.ApiKey)
	redact(&out.Polymarket.ApiSecret)
	redact(&out.Polymarket.ApiPassphrase)

	redact(&out.Kalshi.ApiKeyID)

	redact(&out.Limitless.PrivateKey)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Copy the subscription slice so callers cannot mutate the original
	// through the redacted copy.
	if cfg.Recorder.Subscriptions != nil {
		out.Recorder.Subscriptions = make([]Subscription, len(cfg.Recorder.Subscriptions))
		copy(out.Recorder.Subscriptions, cfg.Recorder.Subscriptions)
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
