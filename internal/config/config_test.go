package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonConfig = `{
  "telegram": {"token": "file-token", "owner_user_ids": [42], "group_log": "-1001"},
  "logging": {"level": "debug", "console": true},
  "storage": {"path": "./q.db"},
  "queue": {"poll_interval": "10s", "work_hours": {"start": 9, "end": 21}, "delay": {"min": "5s", "max": "15s"}, "timezone": "UTC"},
  "sender": {"driver": "telegram", "gifts": {"15": "g15", "25": "g25"}}
}`

const yamlConfig = `
telegram:
  token: file-token
  owner_user_ids: [42]
  group_log: "-1001"
logging:
  level: debug
  console: true
storage:
  path: ./q.db
queue:
  poll_interval: 10s
  timezone: UTC
  work_hours: {start: 9, end: 21}
  delay: {min: 5s, max: 15s}
sender:
  driver: telegram
  gifts:
    15: g15
    25: g25
`

const tomlConfig = `
[telegram]
token = "file-token"
owner_user_ids = [42]
group_log = "-1001"

[logging]
level = "debug"
console = true

[storage]
path = "./q.db"

[queue]
poll_interval = "10s"
timezone = "UTC"
work_hours = { start = 9, end = 21 }
delay = { min = "5s", max = "15s" }

[sender]
driver = "telegram"

[sender.gifts]
15 = "g15"
25 = "g25"
`

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	m := NewManager(path)
	m.environ = map[string]string{}
	return m
}

func TestParseFormatsAgree(t *testing.T) {
	for name, body := range map[string]string{
		"agent.json": jsonConfig,
		"agent.yaml": yamlConfig,
		"agent.toml": tomlConfig,
	} {
		t.Run(name, func(t *testing.T) {
			m := writeConfig(t, name, body)
			cfg, err := m.Load()
			require.NoError(t, err)

			assert.Equal(t, "file-token", cfg.Telegram.Token)
			assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
			assert.Equal(t, "debug", cfg.Logging.Level)
			require.NotNil(t, cfg.Queue.WorkHours)
			assert.Equal(t, 21, cfg.Queue.WorkHours.End)
			// sender falls back to the operator token
			assert.Equal(t, "file-token", cfg.Sender.Token)

			r, err := Resolve(cfg)
			require.NoError(t, err)
			assert.Equal(t, 10*time.Second, r.Queue.PollInterval)
			assert.Equal(t, 5*time.Minute, r.Queue.IdleInterval)
			assert.Equal(t, 5*time.Second, r.Queue.DelayMin)
			assert.Equal(t, 5*time.Second, r.Queue.MinSpacing)
			assert.Equal(t, map[int]string{15: "g15", 25: "g25"}, r.Sender.Gifts)
			assert.Equal(t, time.UTC, r.Queue.Location)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, "agent.json", `{"queue": {"poll": "1s"}}`)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll")
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := writeConfig(t, "agent.json", `{} {}`)
	_, err := m.Parse()
	require.Error(t, err)
}

func TestEnvOverridesSecrets(t *testing.T) {
	m := writeConfig(t, "agent.json", jsonConfig)
	m.environ = map[string]string{
		"AGENT_TELEGRAM_TOKEN": "env-bot",
		"AGENT_SENDER_TOKEN":   "env-sender",
		"AGENT_HTTP_TOKEN":     "env-http",
	}
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "env-bot", cfg.Telegram.Token)
	assert.Equal(t, "env-sender", cfg.Sender.Token)
	assert.Equal(t, "env-http", cfg.HTTP.Token)
}

func TestResolveDefaults(t *testing.T) {
	r, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, r.Queue.PollInterval)
	assert.Equal(t, 5*time.Minute, r.Queue.IdleInterval)
	assert.Equal(t, 3, r.Queue.MaxAttempts)
	assert.Equal(t, 60*time.Second, r.Queue.DelayMin)
	assert.Equal(t, 180*time.Second, r.Queue.DelayMax)
	assert.Equal(t, 60*time.Second, r.Queue.MinSpacing)
	assert.Equal(t, 0, r.Queue.Window.Start)
	assert.Equal(t, 23, r.Queue.Window.End)
	assert.Equal(t, DefaultDBPath, r.DBPath)
	assert.Equal(t, DefaultReportCron, r.ReportCron)
}

func TestResolveCollectsErrors(t *testing.T) {
	cfg := &Config{
		Queue: QueueConfig{
			PollInterval: "soon",
			Timezone:     "Mars/Olympus",
			WorkHours:    &WorkHours{Start: 9, End: 24},
			Delay:        Delay{Min: "10s", Max: "5s"},
		},
		Sender: SenderConfig{Driver: "fax", Gifts: map[string]string{"x": "g"}},
	}
	_, err := Resolve(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"queue.poll_interval", "queue.timezone", "queue.work_hours", "queue.delay", "sender.driver", "sender.gifts"} {
		assert.Contains(t, msg, want)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	m := writeConfig(t, "agent.json", jsonConfig)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"logging": {"level": "warn"}}`), 0o600))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-ch
	assert.Equal(t, "warn", got.Logging.Level)
	assert.Equal(t, "warn", m.Get().Logging.Level)
}

func TestReloadHonoursValidator(t *testing.T) {
	m := writeConfig(t, "agent.json", jsonConfig)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(m.Path(), []byte(`{}`), 0o600))
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}, Telegram: TelegramConfig{Token: "x"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Telegram: TelegramConfig{Token: "y"}, Report: ReportConfig{Enabled: true}}
	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{SectionTelegram, SectionLogging, SectionReport}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{SectionTelegram}, RestartRequired(changed))
}

func TestLogChatID(t *testing.T) {
	c := &Config{Telegram: TelegramConfig{GroupLog: "-100123"}}
	id, err := c.LogChatID()
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), id)

	c.Telegram.GroupLog = "general"
	_, err = c.LogChatID()
	assert.Error(t, err)
}
