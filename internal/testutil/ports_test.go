package testutil

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRandomPort(t *testing.T) {
	seen := make(map[int]bool)
	for range 10 {
		port := GetRandomPort(t)
		require.Greater(t, port, 0)
		require.Less(t, port, 65536)
		require.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestGetRandomPortConcurrent(t *testing.T) {
	const n = 20

	var wg sync.WaitGroup
	ports := make(chan int, n)

	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			ports <- GetRandomPort(t)
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for port := range ports {
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestGetRandomListeningPort(t *testing.T) {
	addr := GetRandomListeningPort(t)

	host, portText, found := strings.Cut(addr, ":")
	require.True(t, found, "address %q should be host:port", addr)
	assert.Equal(t, "localhost", host)

	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	// The address is immediately usable as a listen address
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, listener.Close())
}
