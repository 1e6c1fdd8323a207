package app

import (
	"starsagent/internal/config"
	"starsagent/internal/observability/status"
	"starsagent/internal/queue"
	"starsagent/internal/ratelimit"
	"starsagent/internal/sender"
	"starsagent/internal/settings"
	logx "starsagent/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func queueConfig(r config.Resolved) queue.Config {
	return queue.Config{
		PollInterval: r.Queue.PollInterval,
		IdleInterval: r.Queue.IdleInterval,
		MaxAttempts:  r.Queue.MaxAttempts,
		DelayMin:     r.Queue.DelayMin,
		DelayMax:     r.Queue.DelayMax,
		Location:     r.Queue.Location,
	}
}

func limiterConfig(r config.Resolved, lim settings.Limits) ratelimit.Config {
	return ratelimit.Config{
		Limits:     lim,
		MinSpacing: r.Queue.MinSpacing,
		Window:     r.Queue.Window,
		Location:   r.Queue.Location,
	}
}

func senderConfig(r config.Resolved) sender.Config {
	return sender.Config{
		Driver:  r.Sender.Driver,
		Token:   r.Sender.Token,
		Method:  r.Sender.Method,
		Gifts:   r.Sender.Gifts,
		Timeout: r.Sender.Timeout,
		APIURL:  r.Sender.APIURL,
	}
}

func statusConfig(cfg *config.Config, r config.Resolved) status.Config {
	return status.Config{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          r.HTTPAddr,
		Token:         cfg.HTTP.Token,
		Pprof:         cfg.HTTP.Pprof,
		AllowInsecure: cfg.HTTP.AllowInsecure,
	}
}

func reportSpec(cfg *config.Config, r config.Resolved) string {
	if !cfg.Report.Enabled {
		return ""
	}
	return r.ReportCron
}
