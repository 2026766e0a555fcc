package lifecycle

import (
	"fmt"
	"testing"
	"time"

	"github.com/duskmail/duskmail/mlog"
)

func TestStartRunsPhasesInOrder(t *testing.T) {
	var order []string
	phases := []Phase{
		{Name: "Config", Start: func() error { order = append(order, "Config"); return nil }},
		{Name: "Logging", Start: func() error { order = append(order, "Logging"); return nil }},
	}
	c := New(mlog.New("lifecycletest"), phases, 0)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(order) != 2 || order[0] != "Config" || order[1] != "Logging" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestStartUnwindsOnFailure(t *testing.T) {
	var stopped []string
	phases := []Phase{
		{Name: "Config", Start: func() error { return nil }, Stop: func() { stopped = append(stopped, "Config") }},
		{Name: "TLS", Start: func() error { return fmt.Errorf("bad cert") }},
		{Name: "Storage", Start: func() error { t.Fatalf("Storage should not start"); return nil }},
	}
	c := New(mlog.New("lifecycletest"), phases, 0)
	if err := c.Start(); err == nil {
		t.Fatalf("expected Start to fail")
	}
	if len(stopped) != 1 || stopped[0] != "Config" {
		t.Fatalf("expected Config to be unwound, got %v", stopped)
	}
}

func TestShutdownDrainsSessionsThenStopsPhases(t *testing.T) {
	var stopped []string
	phases := []Phase{
		{Name: "Servers", Start: func() error { return nil }, Stop: func() { stopped = append(stopped, "Servers") }},
	}
	c := New(mlog.New("lifecycletest"), phases, 200*time.Millisecond)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	token := c.TrackSession(func() { close(done) })
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.UntrackSession(token)
	}()

	c.Shutdown()
	if c.Running() {
		t.Fatalf("expected Running() false after Shutdown")
	}
	if len(stopped) != 1 {
		t.Fatalf("expected Servers phase stopped, got %v", stopped)
	}
}

func TestShutdownForceClosesAfterDrainTimeout(t *testing.T) {
	phases := []Phase{{Name: "Servers", Start: func() error { return nil }}}
	c := New(mlog.New("lifecycletest"), phases, 50*time.Millisecond)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	closed := make(chan struct{})
	c.TrackSession(func() { close(closed) })

	c.Shutdown()
	select {
	case <-closed:
	default:
		t.Fatalf("expected stuck session to be force-closed after drain timeout")
	}
}
