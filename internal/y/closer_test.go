package y

import (
	"testing"
	"time"
)

func TestCloserSignalAndWait(t *testing.T) {
	c := NewCloser()
	c.AddRunning(1)
	done := make(chan struct{})
	go func() {
		<-c.HasBeenClosed()
		c.Done()
		close(done)
	}()

	finished := make(chan struct{})
	go func() {
		c.SignalAndWait()
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("goroutine never observed shutdown signal")
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("SignalAndWait never returned")
	}
	select {
	case <-c.Ctx().Done():
	default:
		t.Fatalf("expected Ctx() to be done after shutdown")
	}
}
