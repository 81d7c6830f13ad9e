package data

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/julichbrain/atlas-export/interfaces"
)

func TestNewRunContainer(t *testing.T) {
	rc := NewRunContainer()

	if !rc.GetLastRun().IsZero() {
		t.Error("Expected zero last run")
	}
	if !rc.GetLastSuccess().IsZero() {
		t.Error("Expected zero last success")
	}
	if rc.GetLastError() != nil {
		t.Error("Expected no last error")
	}
	if len(rc.GetLastSummary().Parcellations) != 0 {
		t.Error("Expected empty summary")
	}
	if rc.IsRunning() {
		t.Error("Expected not running")
	}
}

func TestBeginRunPreventsOverlap(t *testing.T) {
	rc := NewRunContainer()

	if !rc.BeginRun() {
		t.Fatal("First BeginRun should succeed")
	}
	if !rc.IsRunning() {
		t.Error("Expected running after BeginRun")
	}
	if rc.BeginRun() {
		t.Error("Second BeginRun should fail while a run is in progress")
	}

	rc.EndRun(interfaces.RunSummary{}, nil)
	if rc.IsRunning() {
		t.Error("Expected not running after EndRun")
	}
	if !rc.BeginRun() {
		t.Error("BeginRun should succeed after EndRun")
	}
}

func TestEndRunSuccessThenFailure(t *testing.T) {
	rc := NewRunContainer()
	finished := time.Date(2020, 5, 1, 3, 0, 0, 0, time.UTC)
	summary := interfaces.RunSummary{
		RunID:         "run-1",
		FinishedAt:    finished,
		Parcellations: []interfaces.ParcellationResult{{Key: "JULICH_BRAIN_V30", Version: "V30"}},
	}

	rc.BeginRun()
	rc.EndRun(summary, nil)

	if !rc.GetLastSuccess().Equal(finished) || !rc.GetLastRun().Equal(finished) {
		t.Errorf("Expected last run and success at %s", finished)
	}
	if rc.GetLastSummary().RunID != "run-1" {
		t.Errorf("Expected summary of run-1, got %s", rc.GetLastSummary().RunID)
	}

	failed := errors.New("atlas service unavailable")
	rc.BeginRun()
	rc.EndRun(interfaces.RunSummary{RunID: "run-2"}, failed)

	if !errors.Is(rc.GetLastError(), failed) {
		t.Errorf("Expected last error to be recorded, got %v", rc.GetLastError())
	}
	if !rc.GetLastSuccess().Equal(finished) {
		t.Error("A failed run must not move the last success")
	}
	if rc.GetLastSummary().RunID != "run-1" {
		t.Error("A failed run must not replace the last summary")
	}
	if !rc.GetLastRun().After(finished) {
		t.Error("Expected last run to move to the failed run")
	}

	rc.BeginRun()
	rc.EndRun(interfaces.RunSummary{RunID: "run-3"}, nil)
	if rc.GetLastError() != nil {
		t.Errorf("Expected a successful run to clear the error, got %v", rc.GetLastError())
	}
}

func TestServerStartTime(t *testing.T) {
	rc := NewRunContainer()
	now := time.Now()
	rc.SetServerStartTime(now)
	if !rc.GetServerStartTime().Equal(now) {
		t.Errorf("Expected %v, got %v", now, rc.GetServerStartTime())
	}
}

func TestConcurrentBeginRun(t *testing.T) {
	rc := NewRunContainer()

	var wg sync.WaitGroup
	var started atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rc.BeginRun() {
				started.Add(1)
			}
			_ = rc.GetLastSummary()
			_ = rc.IsRunning()
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Errorf("Expected exactly one run to start, got %d", started.Load())
	}
}
