package config

import "testing"

func TestParseEnvPopulatesTarget(t *testing.T) {
	t.Setenv("TELLER_TEST_VALUE", "hello")
	t.Setenv("TELLER_TEST_COUNT", "8")

	var cfg struct {
		Value string `env:"TELLER_TEST_VALUE"`
		Count int    `env:"TELLER_TEST_COUNT"`
	}
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Value != "hello" {
		t.Fatalf("value = %q, want %q", cfg.Value, "hello")
	}
	if cfg.Count != 8 {
		t.Fatalf("count = %d, want %d", cfg.Count, 8)
	}
}

func TestParseEnvRejectsMalformedValue(t *testing.T) {
	t.Setenv("TELLER_TEST_COUNT", "not-a-number")

	var cfg struct {
		Count int `env:"TELLER_TEST_COUNT"`
	}
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected error for malformed integer")
	}
}
