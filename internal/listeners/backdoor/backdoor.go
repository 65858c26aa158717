// Package backdoor serves a read-only diagnostic surface for one
// service over a TCP line protocol: connect with nc, type a command,
// read a one-line JSON snapshot. Nothing here can mutate the service.
package backdoor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

const maxLineBytes = 4 << 10

var _ supervisor.Runnable = (*Runner)(nil)

var commandNames = []string{"status", "timers", "subs", "quit"}

// StatusSnapshot is the payload of the status command.
type StatusSnapshot struct {
	Service   string `json:"service"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Subjects  int    `json:"subjects"`
	Timers    int    `json:"timers"`
}

// TimerSnapshot is one entry in the timers command payload.
type TimerSnapshot struct {
	Name        string `json:"name"`
	Interval    string `json:"interval"`
	Running     bool   `json:"running"`
	Executions  uint64 `json:"executions"`
	Errors      uint64 `json:"errors"`
	MissedTicks uint64 `json:"missed_ticks"`
	DriftResets uint64 `json:"drift_resets"`
	MeanLatency string `json:"mean_latency"`
	InFlight    bool   `json:"in_flight"`
	LastFire    string `json:"last_fire,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// SubsSnapshot is the payload of the subs command.
type SubsSnapshot struct {
	Service  string   `json:"service"`
	Subjects []string `json:"subjects"`
}

// Runner is a supervisor runnable serving the backdoor of one service.
type Runner struct {
	svc    *service.Service
	logger *slog.Logger
	addr   string

	mu       sync.Mutex
	listener net.Listener
	stopped  atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogHandler sets the logging handler for this listener.
func WithLogHandler(handler slog.Handler) Option {
	return func(r *Runner) {
		if handler != nil {
			r.logger = slog.New(handler).WithGroup("backdoor")
		}
	}
}

// WithAddr overrides the listen address derived from the service's
// backdoor_port.
func WithAddr(addr string) Option {
	return func(r *Runner) {
		r.addr = addr
	}
}

// NewRunner builds the backdoor listener for svc. The listen address
// comes from the service's backdoor_port unless WithAddr overrides it.
func NewRunner(svc *service.Service, opts ...Option) (*Runner, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", errz.ErrConfiguration)
	}

	r := &Runner{
		svc:    svc,
		logger: slog.Default().WithGroup("backdoor"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("service", svc.Name())

	if r.addr == "" {
		port := svc.Config().BackdoorPort
		if port <= 0 {
			return nil, fmt.Errorf("%w: backdoor_port not configured for service %q", errz.ErrConfiguration, svc.Name())
		}
		r.addr = fmt.Sprintf(":%d", port)
	}

	return r, nil
}

// String implements the supervisor.Runnable interface.
func (r *Runner) String() string {
	return "backdoor." + r.svc.Name()
}

// Addr reports the bound address, or nil before Run has bound one.
// With a ":0" listen address this is how callers learn the port.
func (r *Runner) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Run implements the supervisor.Runnable interface. It accepts
// connections until ctx is canceled or Stop closes the listener, one
// goroutine per session.
func (r *Runner) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("backdoor listen on %s: %w", r.addr, err)
	}
	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	r.logger.Info("Starting backdoor listener", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var sessions sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			sessions.Wait()
			if ctx.Err() != nil || r.stopped.Load() {
				return nil
			}
			return fmt.Errorf("backdoor accept: %w", err)
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

// Stop implements the supervisor.Runnable interface.
func (r *Runner) Stop() {
	r.logger.Debug("Stopping backdoor listener")
	r.stopped.Store(true)
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (r *Runner) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	release := context.AfterFunc(ctx, func() { conn.Close() })
	defer release()

	logger := r.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("Backdoor session opened")
	defer logger.Debug("Backdoor session closed")

	fmt.Fprintf(conn, "%s backdoor (commands: %s)\n", r.svc.Name(), strings.Join(commandNames, ", "))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), maxLineBytes)
	for scanner.Scan() {
		switch cmd := strings.ToLower(strings.TrimSpace(scanner.Text())); cmd {
		case "":
		case "quit", "exit":
			fmt.Fprintln(conn, "bye")
			return
		case "status":
			r.writeSnapshot(conn, logger, r.statusSnapshot())
		case "timers":
			r.writeSnapshot(conn, logger, r.timerSnapshots())
		case "subs":
			r.writeSnapshot(conn, logger, r.subsSnapshot())
		default:
			fmt.Fprintf(conn, "unknown command %q (commands: %s)\n", cmd, strings.Join(commandNames, ", "))
		}
	}
}

// writeSnapshot renders one JSON line so scripted probes can read a
// single response per command.
func (r *Runner) writeSnapshot(conn net.Conn, logger *slog.Logger, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("Failed to encode snapshot", "error", err)
		fmt.Fprintln(conn, "error: snapshot encoding failed")
		return
	}
	fmt.Fprintf(conn, "%s\n", data)
}

func (r *Runner) statusSnapshot() StatusSnapshot {
	return StatusSnapshot{
		Service:   r.svc.Name(),
		State:     r.svc.GetState(),
		Connected: r.svc.Broker().IsConnected(),
		Subjects:  len(r.svc.Subjects()),
		Timers:    len(r.svc.Timers()),
	}
}

func (r *Runner) timerSnapshots() []TimerSnapshot {
	timers := r.svc.Timers()
	out := make([]TimerSnapshot, 0, len(timers))
	for _, t := range timers {
		stats := t.Stats()
		snap := TimerSnapshot{
			Name:        t.Name(),
			Interval:    t.Interval().String(),
			Running:     t.Running(),
			Executions:  stats.ExecutionCount,
			Errors:      stats.ErrorCount,
			MissedTicks: stats.MissedTicks,
			DriftResets: stats.DriftResets,
			MeanLatency: stats.MeanLatency.String(),
			InFlight:    stats.InFlight,
			LastError:   stats.LastError,
		}
		if !stats.LastFire.IsZero() {
			snap.LastFire = stats.LastFire.Format(time.RFC3339Nano)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) subsSnapshot() SubsSnapshot {
	subjects := r.svc.Subjects()
	sort.Strings(subjects)
	return SubsSnapshot{Service: r.svc.Name(), Subjects: subjects}
}
