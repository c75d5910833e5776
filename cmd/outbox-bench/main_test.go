package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/velmie/edgeagent/internal/config"
)

func TestPercentile(t *testing.T) {
	samples := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{p: 0, want: 1},
		{p: 0.5, want: 5},
		{p: 0.95, want: 10},
		{p: 1, want: 10},
	}
	for _, test := range tests {
		if got := percentile(samples, test.p); got != test.want {
			t.Fatalf("percentile(%v) = %v, want %v", test.p, got, test.want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestBuildPayload(t *testing.T) {
	for _, size := range []int{0, 5, 64, 512} {
		payload := buildPayload(size)
		if !json.Valid(payload) {
			t.Fatalf("size %d: invalid json %q", size, payload)
		}
		if size >= 11 && len(payload) != size {
			t.Fatalf("size %d: got %d bytes", size, len(payload))
		}
	}
}

func TestBenchConfigValidate(t *testing.T) {
	valid := benchConfig{records: 1, batchSize: 1}
	if err := valid.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := []benchConfig{
		{records: 0, batchSize: 1},
		{records: 1, batchSize: 0},
		{records: 1, batchSize: 1, failRate: 1.5},
	}
	for _, cfg := range invalid {
		if err := cfg.validate(); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestRunMemory(t *testing.T) {
	cfg := benchConfig{
		database:     config.Database{Driver: config.DriverMemory},
		records:      120,
		payloadBytes: 64,
		batchSize:    50,
		seed:         7,
	}

	res, err := run(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Sent != 120 || res.Failed != 0 {
		t.Fatalf("sent=%d failed=%d, want 120/0", res.Sent, res.Failed)
	}
	if res.Batches != 3 {
		t.Fatalf("batches = %d, want 3", res.Batches)
	}
}

func TestRunMemoryWithFailures(t *testing.T) {
	cfg := benchConfig{
		database:     config.Database{Driver: config.DriverMemory},
		records:      40,
		payloadBytes: 32,
		batchSize:    10,
		failRate:     1,
		seed:         7,
	}

	res, err := run(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Sent != 0 || res.Failed != 40 {
		t.Fatalf("sent=%d failed=%d, want 0/40", res.Sent, res.Failed)
	}
}
