package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// StateGetter is anything that reports a lifecycle state string.
type StateGetter interface {
	GetState() string
}

// WaitForState blocks until subject reports state or the timeout
// elapses.
func WaitForState(t *testing.T, subject StateGetter, state string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return subject.GetState() == state
	}, timeout, 10*time.Millisecond, "state never became %q", state)
}
