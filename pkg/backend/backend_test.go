package backend

import (
	"sync"
	"testing"
	"time"
)

func TestNewBackendDefaults(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 0)

	if b.ID() != 1 {
		t.Errorf("Expected id 1, got %d", b.ID())
	}
	if b.Weight() != 1 {
		t.Errorf("Expected default weight 1, got %d", b.Weight())
	}
	if !b.IsAlive() {
		t.Error("Expected new backend to start alive")
	}
	if b.Status() != StatusActive {
		t.Errorf("Expected status active, got %s", b.Status())
	}
	if !b.Selectable() {
		t.Error("Expected new backend to be selectable")
	}
}

func TestSetAliveReportsTransitions(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 1)

	if changed := b.SetAlive(true); changed {
		t.Error("alive -> alive should not report a change")
	}
	if changed := b.SetAlive(false); !changed {
		t.Error("alive -> down should report a change")
	}
	if b.Selectable() {
		t.Error("Down backend must not be selectable")
	}
	if changed := b.SetAlive(true); !changed {
		t.Error("down -> alive should report a change")
	}
}

func TestBeginDrainIsTerminal(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 1)

	if !b.BeginDrain() {
		t.Fatal("First BeginDrain should succeed")
	}
	if b.BeginDrain() {
		t.Error("Second BeginDrain should report false")
	}
	if !b.IsDraining() {
		t.Error("Expected draining status")
	}
	if b.Selectable() {
		t.Error("Draining backend must not be selectable")
	}
}

func TestConnectionCounters(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 1)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.IncrementConnections()
			b.IncrementRequests()
		}()
	}
	wg.Wait()

	if b.ActiveConnections() != 100 {
		t.Errorf("Expected 100 active connections, got %d", b.ActiveConnections())
	}
	if b.TotalRequests() != 100 {
		t.Errorf("Expected 100 total requests, got %d", b.TotalRequests())
	}

	for i := 0; i < 100; i++ {
		b.DecrementConnections()
	}
	if b.ActiveConnections() != 0 {
		t.Errorf("Expected 0 active connections, got %d", b.ActiveConnections())
	}
}

func TestLatencyAveraging(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 1)

	if b.AvgLatencyMS() != 0 {
		t.Errorf("Expected 0 average before any request, got %f", b.AvgLatencyMS())
	}

	b.IncrementRequests()
	b.AddLatencyMS(10)
	b.IncrementRequests()
	b.AddLatencyMS(30)

	if avg := b.AvgLatencyMS(); avg != 20 {
		t.Errorf("Expected average 20ms, got %f", avg)
	}
}

func TestErrorRate(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 1)

	if b.ErrorRate() != 0 {
		t.Errorf("Expected 0 error rate before any request, got %f", b.ErrorRate())
	}

	for i := 0; i < 4; i++ {
		b.IncrementRequests()
	}
	b.IncrementErrors()

	if rate := b.ErrorRate(); rate != 0.25 {
		t.Errorf("Expected error rate 0.25, got %f", rate)
	}
}

func TestUpdateMeta(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 2)

	b.UpdateMeta("renamed", 7)
	if b.Name() != "renamed" {
		t.Errorf("Expected name renamed, got %s", b.Name())
	}
	if b.Weight() != 7 {
		t.Errorf("Expected weight 7, got %d", b.Weight())
	}

	b.UpdateMeta("renamed", 0)
	if b.Weight() != 1 {
		t.Errorf("Expected zero weight to default to 1, got %d", b.Weight())
	}
}

func TestTimestamps(t *testing.T) {
	b := New(1, "backend-1", "127.0.0.1:9001", 1)

	now := time.Now()
	b.StampHealthCheck(now)
	b.StampMetricsUpdate(now)

	if b.LastHealthCheckMS() != now.UnixMilli() {
		t.Errorf("Expected health stamp %d, got %d", now.UnixMilli(), b.LastHealthCheckMS())
	}
	if b.LastMetricsUpdateMS() != now.UnixMilli() {
		t.Errorf("Expected metrics stamp %d, got %d", now.UnixMilli(), b.LastMetricsUpdateMS())
	}
}
