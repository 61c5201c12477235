package utils

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"Warn", WARN, false},
		{"WARNING", WARN, false},
		{"error", ERROR, false},
		{" INFO ", INFO, false},
		{"verbose", INFO, true},
		{"", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogLevelString(t *testing.T) {
	if DEBUG.String() != "DEBUG" || ERROR.String() != "ERROR" {
		t.Error("level names wrong")
	}
	if LogLevel(42).String() != "UNKNOWN" {
		t.Error("out-of-range level must be UNKNOWN")
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, &buf)

	l.Debug("dropped %d", 1)
	l.Info("dropped too")
	l.Warn("kept %s", "one")
	l.Error("kept two")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("low-severity messages leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] kept one") || !strings.Contains(out, "[ERROR] kept two") {
		t.Errorf("missing kept messages: %q", out)
	}
}

func TestSetupLoggingRejectsBadLevel(t *testing.T) {
	if err := SetupLogging("loud", ""); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupLoggingCreatesLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "ocffs.log")
	if err := SetupLogging("INFO", logFile); err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	// Restore stderr logging for the rest of the test run.
	defer SetupLogging("INFO", "")

	if _, err := filepath.Glob(logFile); err != nil {
		t.Fatal(err)
	}
}

func TestSetupLoggingUnwritableFile(t *testing.T) {
	if err := SetupLogging("INFO", filepath.Join(t.TempDir(), "missing-dir", "x.log")); err == nil {
		t.Error("expected error for unwritable log file")
	}
}
