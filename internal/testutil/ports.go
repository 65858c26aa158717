package testutil

import (
	"fmt"
	"net"
	"sync"
	"testing"
)

var (
	portMu    sync.Mutex
	usedPorts = make(map[int]struct{})
)

// GetRandomPort reserves an ephemeral TCP port and returns it. Ports
// are process-unique, so parallel tests never hand out the same one
// twice.
func GetRandomPort(t *testing.T) int {
	t.Helper()
	portMu.Lock()
	defer portMu.Unlock()

	for {
		listener, err := net.Listen("tcp", ":0")
		if err != nil {
			t.Fatalf("Failed to get random port: %v", err)
		}
		port := listener.Addr().(*net.TCPAddr).Port
		if err := listener.Close(); err != nil {
			t.Fatalf("Failed to close listener: %v", err)
		}
		if _, taken := usedPorts[port]; taken {
			continue
		}
		usedPorts[port] = struct{}{}
		return port
	}
}

// GetRandomListeningPort returns a localhost address whose port was
// free a moment ago, in the form the listener WithAddr options take.
func GetRandomListeningPort(t *testing.T) string {
	t.Helper()
	for {
		port := GetRandomPort(t)
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		if err := listener.Close(); err != nil {
			t.Fatalf("Failed to close listener: %v", err)
		}
		return fmt.Sprintf("localhost:%d", port)
	}
}
