package config

import (
	"testing"
	"time"
)

func TestLoadRequiresQuoteSecret(t *testing.T) {
	t.Setenv("SWIFTRIDE_QUOTE_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error without SWIFTRIDE_QUOTE_SECRET")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("SWIFTRIDE_QUOTE_SECRET", "s3cret")
	t.Setenv("SWIFTRIDE_OFFER_TTL", "30s")
	t.Setenv("SWIFTRIDE_MATCH_RADIUS_KM", "25")
	t.Setenv("SWIFTRIDE_MATCH_MAX_RADIUS_KM", "15")
	t.Setenv("SWIFTRIDE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SWIFTRIDE_CREDIT_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Dispatch.OfferTTL != 30*time.Second {
		t.Fatalf("addr = %q offer ttl = %s", cfg.HTTP.Addr, cfg.Dispatch.OfferTTL)
	}
	if cfg.Matching.RadiusKm != 25 || cfg.Matching.MaxRadiusKm != 25 {
		t.Fatalf("radius = %v / %v, want max raised to 25", cfg.Matching.RadiusKm, cfg.Matching.MaxRadiusKm)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Settlement.CreditAttempts != 5 || cfg.Settlement.PlatformAccountID != "platform" || cfg.Settlement.SettleTimeout != 2*time.Minute {
		t.Fatalf("settlement = %+v", cfg.Settlement)
	}
}

func TestLoadLocationsNeedsBrokers(t *testing.T) {
	t.Setenv("SWIFTRIDE_KAFKA_BROKERS", "")
	if _, err := LoadLocations(); err == nil {
		t.Fatal("expected an error without brokers")
	}
	t.Setenv("SWIFTRIDE_KAFKA_BROKERS", "localhost:9092")
	cfg, err := LoadLocations()
	if err != nil || cfg.HTTP.Addr != ":8081" {
		t.Fatalf("cfg = %+v err = %v", cfg.HTTP, err)
	}
}
