package config

import (
	"reflect"
	"strings"

	logx "starsagent/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionTelegram = "telegram"
	SectionLogging  = "logging"
	SectionStorage  = "storage"
	SectionQueue    = "queue"
	SectionSender   = "sender"
	SectionReport   = "report"
	SectionHTTP     = "http"
)

// SummarizeChange lists the sections that differ and log fields describing
// the new values. Secrets are never included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, SectionQueue)
		attrs = append(attrs,
			logx.String("queue.poll_interval", newCfg.Queue.PollInterval),
			logx.String("queue.delay.min", newCfg.Queue.Delay.Min),
			logx.String("queue.delay.max", newCfg.Queue.Delay.Max),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sender, newCfg.Sender) {
		changed = append(changed, SectionSender)
		attrs = append(attrs,
			logx.String("sender.driver", newCfg.Sender.Driver),
			logx.Int("sender.gifts", len(newCfg.Sender.Gifts)),
		)
	}
	if oldCfg.Report != newCfg.Report {
		changed = append(changed, SectionReport)
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", newCfg.Report.Schedule),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, SectionHTTP)
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionTelegram, SectionStorage, SectionSender:
			out = append(out, s)
		}
	}
	return out
}
