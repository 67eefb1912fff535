package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"price-alert-mailer/internal/notify"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("指定了不存在的配置文件应报错")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("默认配置加载失败: %v", err)
	}
	if cfg.App.Name != "alertmailer" {
		t.Fatalf("默认应用名不符: %s", cfg.App.Name)
	}
	if cfg.Notify.QuietHoursStart != "23:00" || cfg.Notify.QuietHoursEnd != "07:00" {
		t.Fatal("静默时段默认值应为 23:00–07:00")
	}
	if cfg.Notify.MaxEmailsPerHour != 10 {
		t.Fatalf("默认限流应为每小时 10 封, 实际 %d", cfg.Notify.MaxEmailsPerHour)
	}
	if cfg.Notify.CoalesceWindow() != 5*time.Minute {
		t.Fatalf("默认合并窗口应为 5 分钟, 实际 %v", cfg.Notify.CoalesceWindow())
	}
	if cfg.Notify.BackoffBase() != 30*time.Second || cfg.Notify.BackoffCap() != time.Hour {
		t.Fatal("默认退避参数不符")
	}
	if cfg.Digest.Frequency != "daily" {
		t.Fatalf("默认 digest 频率应为 daily, 实际 %s", cfg.Digest.Frequency)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
notify:
  quiet_hours_start: "22:00"
  quiet_hours_end: "08:00"
  max_emails_per_hour: 3
digest:
  frequency: custom
  custom_hours: 6
  recipients:
    - digest@example.com
smtp:
  enabled: true
  host: smtp.example.com
  from: noreply@example.com
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Notify.QuietHoursStart != "22:00" {
		t.Fatalf("quiet_hours_start 不符: %s", cfg.Notify.QuietHoursStart)
	}
	if cfg.Notify.MaxEmailsPerHour != 3 {
		t.Fatalf("max_emails_per_hour 不符: %d", cfg.Notify.MaxEmailsPerHour)
	}
	if cfg.Digest.CustomHours != 6 {
		t.Fatalf("custom_hours 不符: %d", cfg.Digest.CustomHours)
	}
	if got := cfg.DeliveryModeFor("Digest@Example.com"); got != notify.ModeDigest {
		t.Fatalf("digest 收件人匹配应忽略大小写, 实际 %s", got)
	}
	if got := cfg.DeliveryModeFor("other@example.com"); got != notify.ModeImmediate {
		t.Fatalf("非 digest 收件人应为 immediate, 实际 %s", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("默认配置加载失败: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad quiet start", func(c *Config) { c.Notify.QuietHoursStart = "25:00" }, "quiet_hours_start"},
		{"zero rate limit", func(c *Config) { c.Notify.MaxEmailsPerHour = 0 }, "max_emails_per_hour"},
		{"zero coalesce", func(c *Config) { c.Notify.CoalesceWindowSeconds = 0 }, "coalesce_window_seconds"},
		{"cap below base", func(c *Config) { c.Notify.BackoffCapSeconds = 1 }, "backoff_cap_seconds"},
		{"bad digest freq", func(c *Config) { c.Digest.Frequency = "fortnightly" }, "digest.frequency"},
		{"smtp without host", func(c *Config) { c.SMTP.Enabled = true; c.SMTP.From = "a@b.c" }, "smtp.host"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: 应校验失败", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantSub) {
			t.Fatalf("%s: 错误信息应包含 %q, 实际 %v", tc.name, tc.wantSub, err)
		}
	}
}
