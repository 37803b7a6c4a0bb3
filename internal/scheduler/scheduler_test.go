package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeReaper struct {
	n   int
	err error
	at  time.Time
}

func (f *fakeReaper) Reap(_ context.Context, now time.Time) (int, error) {
	f.at = now
	return f.n, f.err
}

type fakePruner struct {
	before time.Time
	n      int64
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNew_RegistersJobs(t *testing.T) {
	cfg := Config{ReapSchedule: "@every 5m", PruneSchedule: "@daily", EventRetention: 24 * time.Hour}

	s, err := New(&fakeReaper{}, &fakePruner{}, cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Jobs() != 2 {
		t.Errorf("jobs = %d, want 2", s.Jobs())
	}

	s, err = New(nil, &fakePruner{}, cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("New without reaper: %v", err)
	}
	if s.Jobs() != 1 {
		t.Errorf("jobs without reaper = %d, want 1", s.Jobs())
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakeReaper{}, nil, Config{ReapSchedule: "every five minutes"}, nil, discardLogger())
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestPrune_UsesRetention(t *testing.T) {
	pruner := &fakePruner{n: 3}
	s, _ := New(nil, pruner, Config{EventRetention: 7 * 24 * time.Hour}, nil, discardLogger())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.Prune(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !pruner.before.Equal(want) {
		t.Errorf("before = %v, want %v", pruner.before, want)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	reaper := &fakeReaper{n: 2}
	s, _ := New(reaper, nil, Config{ReapSchedule: "@every 1m"}, metrics, discardLogger())

	s.run(JobReap, s.Reap)
	reaper.err = errors.New("docker unavailable")
	reaper.n = 0
	s.run(JobReap, s.Reap)

	if v := counter(t, metrics.JobRuns.WithLabelValues(JobReap, "success")); v != 1 {
		t.Errorf("success runs = %v", v)
	}
	if v := counter(t, metrics.JobRuns.WithLabelValues(JobReap, "failure")); v != 1 {
		t.Errorf("failed runs = %v", v)
	}
	if v := counter(t, metrics.JobAffected.WithLabelValues(JobReap)); v != 2 {
		t.Errorf("affected = %v", v)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	s, _ := New(&fakeReaper{}, nil, Config{ReapSchedule: "@every 1h"}, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
