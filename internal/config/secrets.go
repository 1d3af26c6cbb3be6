package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// RPC URLs often embed a provider key in the path.
	redact(&out.Chain.RPCURL)

	// Copy slices and maps so callers cannot mutate the original through
	// the redacted copy.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Oracle.Assets = append([]string(nil), cfg.Oracle.Assets...)
	out.Settlement.Pools = append([]PoolConfig(nil), cfg.Settlement.Pools...)
	out.Settlement.Deposits = append([]DepositConfig(nil), cfg.Settlement.Deposits...)
	out.Settlement.Orders = append([]OrderConfig(nil), cfg.Settlement.Orders...)
	out.Oracle.StaticPrices = maps.Clone(cfg.Oracle.StaticPrices)
	out.Chain.Feeds = maps.Clone(cfg.Chain.Feeds)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
