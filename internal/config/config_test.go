package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TrackingInterval != 5*time.Second || cfg.TrackingTickTimeout != 4*time.Second {
		t.Fatalf("unexpected tracking defaults: %+v", cfg)
	}
	if cfg.PickupSpeedKmh != 25 || cfg.TripSpeedKmh != 40 {
		t.Fatalf("unexpected speed defaults: %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("TRACKING_INTERVAL", "2s")
	t.Setenv("TRACKING_TICK_TIMEOUT", "1500ms")
	t.Setenv("SEARCH_RADIUS_METERS", "1200")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers not parsed: %v", cfg.KafkaBrokers)
	}
	if cfg.TrackingInterval != 2*time.Second || cfg.SearchRadiusMeters != 1200 || cfg.LogLevel != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("TRACKING_INTERVAL", "1s")
	t.Setenv("TRACKING_TICK_TIMEOUT", "2s")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "HTTP_READ_TIMEOUT") || !strings.Contains(msg, "TRACKING_TICK_TIMEOUT") {
		t.Fatalf("expected both problems reported, got %q", msg)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("INGEST_APPLY_ATTEMPTS", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error for zero attempts")
	}
	t.Setenv("INGEST_APPLY_ATTEMPTS", "5")
	cfg, err := LoadConsumerConfig()
	if err != nil || cfg.ApplyAttempts != 5 || cfg.KafkaGroup != "location-ingest" {
		t.Fatalf("unexpected consumer config %+v err=%v", cfg, err)
	}
}
