package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// secrets can be supplied through the environment instead of the file.
type secrets struct {
	TelegramToken string `env:"AGENT_TELEGRAM_TOKEN"`
	SenderToken   string `env:"AGENT_SENDER_TOKEN"`
	HTTPToken     string `env:"AGENT_HTTP_TOKEN"`
}

// applyEnv overrides secrets from environ. A nil environ reads the process
// environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var s secrets
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return err
	}
	if v := strings.TrimSpace(s.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(s.SenderToken); v != "" {
		cfg.Sender.Token = v
	}
	if v := strings.TrimSpace(s.HTTPToken); v != "" {
		cfg.HTTP.Token = v
	}
	// The sender reuses the operator bot token unless it has its own.
	if cfg.Sender.Token == "" && strings.EqualFold(strings.TrimSpace(cfg.Sender.Driver), "telegram") {
		cfg.Sender.Token = cfg.Telegram.Token
	}
	return nil
}
