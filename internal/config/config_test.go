package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.APIPort != "8080" {
		t.Fatalf("expected default api port 8080, got %s", cfg.APIPort)
	}
	if cfg.NATSSubject != "batches.submitted" {
		t.Fatalf("unexpected default subject %s", cfg.NATSSubject)
	}
	if cfg.BatchRowFailureRate != 0.15 {
		t.Fatalf("unexpected default failure rate %f", cfg.BatchRowFailureRate)
	}
	if cfg.ExportFilePrefix != "fundus_batch_results_" {
		t.Fatalf("unexpected default export prefix %s", cfg.ExportFilePrefix)
	}
	if !cfg.ChatKeepContextDefault {
		t.Fatalf("expected keep-context on by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9999")
	t.Setenv("BATCH_ROW_FAILURE_RATE", "0.3")
	t.Setenv("CHAT_KEEP_CONTEXT_DEFAULT", "false")
	t.Setenv("BATCH_ROW_DELAY_MIN_MS", "10")

	cfg := Load()
	if cfg.APIPort != "9999" {
		t.Fatalf("expected env port, got %s", cfg.APIPort)
	}
	if cfg.BatchRowFailureRate != 0.3 {
		t.Fatalf("expected env failure rate, got %f", cfg.BatchRowFailureRate)
	}
	if cfg.ChatKeepContextDefault {
		t.Fatalf("expected keep-context off via env")
	}
	if cfg.BatchRowDelayMinMS != 10 {
		t.Fatalf("expected env delay, got %d", cfg.BatchRowDelayMinMS)
	}
}

func TestLoadInvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("BATCH_ROW_FAILURE_RATE", "not-a-number")
	t.Setenv("API_MAX_CONCURRENT", "many")

	cfg := Load()
	if cfg.BatchRowFailureRate != 0.15 {
		t.Fatalf("expected default rate on parse failure, got %f", cfg.BatchRowFailureRate)
	}
	if cfg.APIMaxConcurrent != 64 {
		t.Fatalf("expected default concurrency on parse failure, got %d", cfg.APIMaxConcurrent)
	}
}

func TestLoadYAMLOverlayAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	overlay := "api_port: \"7000\"\nexport_file_prefix: \"clinic_results_\"\n"
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_PORT", "7001")

	cfg := Load()
	if cfg.ExportFilePrefix != "clinic_results_" {
		t.Fatalf("expected overlay prefix, got %s", cfg.ExportFilePrefix)
	}
	if cfg.APIPort != "7001" {
		t.Fatalf("env must win over the overlay, got %s", cfg.APIPort)
	}
	if cfg.NATSSubject != "batches.submitted" {
		t.Fatalf("untouched keys must keep defaults, got %s", cfg.NATSSubject)
	}
}

func TestLoadBrokenOverlayFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(": not yaml ["), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg := Load()
	if cfg.APIPort != "8080" {
		t.Fatalf("expected defaults preserved, got %s", cfg.APIPort)
	}
}
