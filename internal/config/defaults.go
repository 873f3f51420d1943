package config

import "path/filepath"

// Defaults returns a config with sane defaults: local Ollama, CLI channel,
// ask-before-running security posture.
func Defaults() *Config {
	dir := DefaultConfigDir()
	return &Config{
		General: GeneralConfig{
			Workspace:       filepath.Join(dir, "workspace"),
			LogLevel:        "info",
			DefaultProvider: "ollama",
			MaxIterations:   10,
			AutoRun:         false,
			OSMode:          false,
			MaxOutputChars:  2800,
			ScrollbarHints:  false,
			ProfileDir:      filepath.Join(dir, "profiles"),
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "qwen2.5-coder:7b",
				MaxTokens:    4096,
				Temperature:  0.2,
			},
			"openai": {
				Enabled:      false,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
				MaxTokens:    4096,
			},
		},
		Executor: ExecutorConfig{
			TimeoutSeconds: 120,
			MaxOutputBytes: 262144,
			Browser: BrowserConfig{
				Enabled:  false,
				Headless: true,
			},
		},
		Security: SecurityConfig{
			DefaultPolicy: "ask",
			Blacklist: []string{
				`rm\s+-rf\s+/(\s|$)`,
				`mkfs`,
				`dd\s+if=.*of=/dev/`,
				`:\(\)\{.*\};:`,
			},
			Whitelist: []string{
				`^print\(`,
				`^ls(\s|$)`,
				`^pwd$`,
			},
			ConfirmPatterns: []string{
				`sudo`,
				`rm\s`,
				`curl.*\|\s*(sh|bash)`,
			},
			AuditLog: true,
		},
		Memory: MemoryConfig{
			Enabled:                   true,
			DBPath:                    filepath.Join(dir, "openinterp.db"),
			MaxHistoryPerConversation: 100,
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
			Web: WebConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8765,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "${TELEGRAM_BOT_TOKEN}",
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
