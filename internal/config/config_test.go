package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig(env string) Config {
	return Config{
		App:   AppConfig{Env: env, Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "crm"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "crm", "crm-api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	w := c.Workers
	if w.ReminderInterval != 5*time.Minute || w.ReminderWindow != 15*time.Minute || w.ReminderGap != 30*time.Minute {
		t.Fatalf("unexpected reminder defaults: %+v", w)
	}
	if w.OverdueInterval != 30*time.Minute || w.OverdueGap != 4*time.Hour {
		t.Fatalf("unexpected overdue defaults: %+v", w)
	}
	if w.DigestCron != "0 8 * * *" || w.EscalationInterval != time.Hour || w.CleanupInterval != 4*time.Hour {
		t.Fatalf("unexpected schedule defaults: %+v", w)
	}
	if w.EscalateHighAfter != 2*time.Hour || w.EscalateMediumAfter != 24*time.Hour || w.EscalateReschedulesAt != 3 {
		t.Fatalf("unexpected escalation defaults: %+v", w)
	}
	if c.Business.StartHour != 9 || c.Business.EndHour != 17 || c.Business.Timezone != "UTC" {
		t.Fatalf("unexpected business defaults: %+v", c.Business)
	}
	if c.Notify.Channel != "crm:notifications" {
		t.Fatalf("unexpected notify channel %q", c.Notify.Channel)
	}
}

func TestValidate_RejectsBadDigestCronAndTimezone(t *testing.T) {
	c := validConfig("dev")
	c.Workers.DigestCron = "every morning"
	c.Business.Timezone = "Mars/Olympus"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	if !strings.Contains(err.Error(), "DIGEST_CRON") || !strings.Contains(err.Error(), "BUSINESS_TIMEZONE") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestValidate_BusinessHoursOrder(t *testing.T) {
	c := validConfig("dev")
	c.Business.StartHour, c.Business.EndHour = 18, 9
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for inverted business hours")
	}
}
