package backdoor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service"
	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

type pingRequest struct {
	Nonce string `json:"nonce"`
}

type pingResponse struct {
	Nonce string `json:"nonce"`
}

func discardHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func newProbeService(t *testing.T) *service.Service {
	t.Helper()

	cfg := config.NewService("probe")
	svc, err := service.New(cfg,
		service.WithBroker(broker.NewMemoryBus().Conn()),
		service.WithLogHandler(discardHandler()),
	)
	require.NoError(t, err)

	err = service.RegisterRPC(svc, "ping", func(ctx context.Context, req *pingRequest) (*pingResponse, error) {
		return &pingResponse{Nonce: req.Nonce}, nil
	})
	require.NoError(t, err)

	err = svc.RegisterTimer("heartbeat", 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	return svc
}

func startService(t *testing.T, svc *service.Service) {
	t.Helper()
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Stop(ctx))
	})
}

func newTestRunner(t *testing.T, svc *service.Service) *Runner {
	t.Helper()
	r, err := NewRunner(svc, WithLogHandler(discardHandler()), WithAddr("127.0.0.1:0"))
	require.NoError(t, err)
	return r
}

func startRunner(t *testing.T, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Addr() != nil },
		2*time.Second, 5*time.Millisecond)
	return cancel, errCh
}

func waitExit(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("backdoor runner did not exit")
		return nil
	}
}

// dialSession connects and consumes the banner line.
func dialSession(t *testing.T, r *Runner) (net.Conn, *bufio.Reader, string) {
	t.Helper()

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	banner, err := reader.ReadString('\n')
	require.NoError(t, err)
	return conn, reader, banner
}

func command(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) string {
	t.Helper()

	_, err := fmt.Fprintf(conn, "%s\n", cmd)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil)
	require.ErrorIs(t, err, errz.ErrConfiguration)

	cfg := config.NewService("bare")
	svc, err := service.New(cfg,
		service.WithBroker(broker.NewMemoryBus().Conn()),
		service.WithLogHandler(discardHandler()),
	)
	require.NoError(t, err)

	_, err = NewRunner(svc, WithLogHandler(discardHandler()))
	require.ErrorIs(t, err, errz.ErrConfiguration)
	assert.ErrorContains(t, err, "backdoor_port")

	cfg.BackdoorPort = 4222
	svc, err = service.New(cfg,
		service.WithBroker(broker.NewMemoryBus().Conn()),
		service.WithLogHandler(discardHandler()),
	)
	require.NoError(t, err)
	r, err := NewRunner(svc, WithLogHandler(discardHandler()))
	require.NoError(t, err)
	assert.Equal(t, ":4222", r.addr)
	assert.Nil(t, r.Addr())
}

func TestRunnerString(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, newProbeService(t))
	assert.Equal(t, "backdoor.probe", r.String())
}

func TestRunnerStatusCommand(t *testing.T) {
	t.Parallel()

	svc := newProbeService(t)
	startService(t, svc)
	r := newTestRunner(t, svc)
	startRunner(t, r)

	conn, reader, banner := dialSession(t, r)
	assert.Contains(t, banner, "probe backdoor")
	assert.Contains(t, banner, "status")

	var status StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(command(t, conn, reader, "status")), &status))
	assert.Equal(t, "probe", status.Service)
	assert.Equal(t, finitestate.StatusRunning, status.State)
	assert.True(t, status.Connected)
	assert.Equal(t, 1, status.Subjects)
	assert.Equal(t, 1, status.Timers)
}

func TestRunnerTimersCommand(t *testing.T) {
	t.Parallel()

	svc := newProbeService(t)
	startService(t, svc)
	r := newTestRunner(t, svc)
	startRunner(t, r)

	conn, reader, _ := dialSession(t, r)

	var snapshots []TimerSnapshot
	require.NoError(t, json.Unmarshal([]byte(command(t, conn, reader, "timers")), &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, "heartbeat", snapshots[0].Name)
	assert.Equal(t, "50ms", snapshots[0].Interval)
	assert.True(t, snapshots[0].Running)
}

func TestRunnerSubsCommand(t *testing.T) {
	t.Parallel()

	svc := newProbeService(t)
	startService(t, svc)
	r := newTestRunner(t, svc)
	startRunner(t, r)

	conn, reader, _ := dialSession(t, r)

	// Leading blank lines are tolerated.
	_, err := fmt.Fprint(conn, "\n\n")
	require.NoError(t, err)

	var subs SubsSnapshot
	require.NoError(t, json.Unmarshal([]byte(command(t, conn, reader, "subs")), &subs))
	assert.Equal(t, "probe", subs.Service)
	assert.Equal(t, []string{"probe.rpc.ping"}, subs.Subjects)
}

func TestRunnerUnknownCommand(t *testing.T) {
	t.Parallel()

	svc := newProbeService(t)
	r := newTestRunner(t, svc)
	startRunner(t, r)

	conn, reader, _ := dialSession(t, r)
	line := command(t, conn, reader, "bogus")
	assert.Contains(t, line, `unknown command "bogus"`)
}

func TestRunnerQuitClosesSession(t *testing.T) {
	t.Parallel()

	svc := newProbeService(t)
	r := newTestRunner(t, svc)
	startRunner(t, r)

	conn, reader, _ := dialSession(t, r)
	assert.Equal(t, "bye", command(t, conn, reader, "quit"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestRunnerStopUnblocksRun(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, newProbeService(t))
	_, errCh := startRunner(t, r)

	r.Stop()
	require.NoError(t, waitExit(t, errCh))
}

func TestRunnerContextCancelClosesSessions(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, newProbeService(t))
	cancel, errCh := startRunner(t, r)

	conn, reader, _ := dialSession(t, r)
	cancel()
	require.NoError(t, waitExit(t, errCh))

	// The open session is torn down with the listener.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := reader.ReadString('\n')
	assert.Error(t, err)
}