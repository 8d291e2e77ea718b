package config

func Defaults() *Config {
	return &Config{
		Bot: BotConfig{
			SendsPerMinute: 60,
			SendBurst:      10,
		},
		Userbot: UserbotConfig{
			SessionDir: "~/.relaybot/sessions",
		},
		Storage: StorageConfig{
			Backend:         "json",
			Dir:             "~/.relaybot",
			CorrelationFile: "message_mapper.json",
			CredentialsFile: "credentials.json",
			DBFile:          "relaybot.db",
		},
		Relay: RelayConfig{
			RetrievalTimeoutSeconds: 30,
			IncludeOutgoing:         false,
			MaxConcurrentEvents:     16,
			DispatchConcurrency:     4,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9100",
			Endpoint: "/metrics",
		},
	}
}
