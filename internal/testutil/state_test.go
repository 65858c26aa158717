package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeStateful struct {
	state atomic.Value
}

func (f *fakeStateful) GetState() string {
	if s, ok := f.state.Load().(string); ok {
		return s
	}
	return ""
}

func TestWaitForState(t *testing.T) {
	f := &fakeStateful{}
	f.state.Store("booting")

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.state.Store("running")
	}()

	WaitForState(t, f, "running", time.Second)
}

func TestWaitForStateImmediate(t *testing.T) {
	f := &fakeStateful{}
	f.state.Store("stopped")

	WaitForState(t, f, "stopped", 100*time.Millisecond)
}
