package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lychee-technology/celldb"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
		{"invalid query", celldb.NewInvalidQueryError(celldb.ErrCodeInvalidExpression, "bad"), http.StatusBadRequest},
		{"registration", celldb.NewRegistrationError("a", celldb.ErrCodeSchemaDowngrade, "older"), http.StatusBadRequest},
		{"denied", celldb.NewPermissionDeniedError("bob", "query", "cell:a"), http.StatusForbidden},
		{"cell down", celldb.NewCellUnavailableError("a", "down", nil, true), http.StatusServiceUnavailable},
		{"unknown cell", func() error {
			e := celldb.NewCellUnavailableError("x", "cell is not registered", nil, false)
			e.Code = celldb.ErrCodeUnknownCell
			return e
		}(), http.StatusNotFound},
		{"timeout", celldb.NewTimeoutError("late"), http.StatusGatewayTimeout},
		{"exhausted", celldb.NewResourceExhaustedError(celldb.ErrCodeTooManyStreams, "full"), http.StatusTooManyRequests},
		{"stream busy", celldb.NewStreamingError(celldb.ErrCodeStreamBusy, "busy"), http.StatusConflict},
		{"stream expired", celldb.NewQueryError(celldb.ErrorKindTimeoutExceeded, celldb.ErrCodeStreamExpired, "expired"), http.StatusGone},
		{"wrapped", fmt.Errorf("outer: %w", celldb.NewCoordinationError("failed", nil)), http.StatusInternalServerError},
		{"optimizer", celldb.NewOptimizationError(celldb.ErrCodeCapabilityMissing, "no streaming"), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		raw         string
		want        time.Duration
		expectError bool
	}{
		{raw: "", want: time.Hour},
		{raw: "300", want: 5 * time.Minute},
		{raw: "15m", want: 15 * time.Minute},
		{raw: "-1s", expectError: true},
		{raw: "soon", expectError: true},
	}
	for _, tt := range tests {
		got, err := parseWindow(tt.raw)
		if tt.expectError {
			if err == nil {
				t.Fatalf("%q: expected error but got nil", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "celldb.yaml")
	yaml := `
server:
  addr: ":9090"
execution:
  maxConcurrentQueries: 4
cache:
  ttl: 30s
cells:
  - cellId: eu
    name: Europe
    endpoint: memory://eu
    schemaVersion: 2
    performanceHints:
      maxConcurrentQueries: 8
      preferredBatchSize: 200
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CELLDB_SERVER_JWTSECRET", "from-env")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.JWTSecret != "from-env" {
		t.Fatalf("unexpected server settings: %+v", cfg.Server)
	}
	if cfg.Execution.MaxConcurrentQueries != 4 || cfg.Execution.MaxConcurrentRequests != 256 {
		t.Fatalf("expected file value over defaults, got %+v", cfg.Execution)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", cfg.Cache.TTL)
	}
	if len(cfg.Cells) != 1 || cfg.Cells[0].PerformanceHints.PreferredBatchSize != 200 {
		t.Fatalf("unexpected cells: %+v", cfg.Cells)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
