package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("DefaultConfig().Level = %s, want info", cfg.Level)
	}
	if cfg.Format != "text" {
		t.Errorf("DefaultConfig().Format = %s, want text", cfg.Format)
	}
	if cfg.Output != "stdout" {
		t.Errorf("DefaultConfig().Output = %s, want stdout", cfg.Output)
	}
}

func TestSetup_TextFormat(t *testing.T) {
	err := Setup(Config{
		Level:  "debug",
		Format: "text",
		Output: "stdout",
	})
	if err != nil {
		t.Errorf("Setup() error = %v", err)
	}
}

func TestSetup_JSONFormat(t *testing.T) {
	err := Setup(Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Errorf("Setup() error = %v", err)
	}
}

func TestSetup_StderrOutput(t *testing.T) {
	err := Setup(Config{
		Level:  "warn",
		Format: "text",
		Output: "stderr",
	})
	if err != nil {
		t.Errorf("Setup() error = %v", err)
	}
}

func TestSetup_FileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	err := Setup(Config{
		Level:  "info",
		Format: "text",
		Output: logFile,
	})
	if err != nil {
		t.Fatalf("Setup() with file output error = %v", err)
	}

	Default().Info("file output test entry")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file output test entry") {
		t.Error("log file should contain the written entry")
	}

	if err := Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSetup_InvalidLevel(t *testing.T) {
	err := Setup(Config{Level: "loud", Format: "text", Output: "stdout"})
	if err == nil {
		t.Error("Setup() should reject unknown levels")
	}
}

func TestSetup_InvalidFormat(t *testing.T) {
	err := Setup(Config{Level: "info", Format: "xml", Output: "stdout"})
	if err == nil {
		t.Error("Setup() should reject unknown formats")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"INFO", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		if _, err := parseLevel(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestWithComponent(t *testing.T) {
	if err := Setup(DefaultConfig()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger := WithComponent("discovery")
	if logger == nil {
		t.Fatal("WithComponent() returned nil")
	}
	logger.Info("component logger works")
}
