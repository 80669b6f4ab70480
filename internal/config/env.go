package config

import "strings"

// applyEnv overrides infrastructure settings and secrets from the
// environment. Secrets are usually injected this way rather than committed
// to the config file.
func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Bot.Homeserver, "MATRIX_HOMESERVER")
	set(&cfg.Bot.AccessToken, "MATRIX_ACCESS_TOKEN")
	set(&cfg.Bot.RedisAddr, "REDIS_ADDR")
	set(&cfg.Bot.NATSURL, "NATS_URL")
	set(&cfg.Bot.DatabaseURL, "DATABASE_URL")
	set(&cfg.Bot.MetricsAddr, "METRICS_ADDR")
	set(&cfg.Bot.LogLevel, "LOG_LEVEL")
	set(&cfg.Filter.APIKey, "AI_MOD_API_KEY")
}
