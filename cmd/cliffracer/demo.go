package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sndwch/cliffracer-sub001/internal/demo"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/fancy"
	"github.com/sndwch/cliffracer-sub001/internal/listeners/backdoor"
	"github.com/sndwch/cliffracer-sub001/internal/listeners/httpapi"
	"github.com/sndwch/cliffracer-sub001/internal/listeners/wsapi"
	"github.com/sndwch/cliffracer-sub001/internal/orchestrator"
	"github.com/sndwch/cliffracer-sub001/internal/saga"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

var demoCmd = &cli.Command{
	Name:  "demo",
	Usage: "Run the built-in demo topology over an in-memory broker",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "Log level (trace, debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "Log format (text or json)",
		},
		&cli.StringFlag{
			Name:  "log-output",
			Usage: "Log destination (stdout, stderr, or a file path)",
		},
		&cli.StringFlag{
			Name:  "http",
			Usage: "Serve the travel service's HTTP API on this address (for example :8080)",
		},
		&cli.StringFlag{
			Name:  "ws",
			Usage: "Serve the calc service's WebSocket stream on this address",
		},
		&cli.StringFlag{
			Name:  "backdoor",
			Usage: "Serve the travel service's debug shell on this address",
		},
		&cli.DurationFlag{
			Name:    "duration",
			Aliases: []string{"d"},
			Usage:   "Keep serving for this long after the walkthrough (0 exits immediately)",
		},
	},
	Action: demoAction,
}

// demoOptions carries the resolved demo command flags.
type demoOptions struct {
	LogHandler   slog.Handler
	HTTPAddr     string
	WSAddr       string
	BackdoorAddr string
	Duration     time.Duration
}

func demoAction(ctx context.Context, cmd *cli.Command) error {
	if err := SetupLogger(cmd.String("log-level"), cmd.String("log-format"),
		cmd.String("log-output")); err != nil {
		return err
	}

	return runDemo(ctx, cmd.Root().Writer, demoOptions{
		LogHandler:   slog.Default().Handler(),
		HTTPAddr:     cmd.String("http"),
		WSAddr:       cmd.String("ws"),
		BackdoorAddr: cmd.String("backdoor"),
		Duration:     cmd.Duration("duration"),
	})
}

// runDemo assembles the demo topology under an orchestrator, runs the
// walkthrough against it, and keeps any requested listeners up for the
// configured duration before shutting everything down.
func runDemo(ctx context.Context, out io.Writer, opts demoOptions) error {
	if opts.LogHandler == nil {
		opts.LogHandler = slog.Default().Handler()
	}

	topology, err := demo.NewTopology(demo.WithLogHandler(opts.LogHandler))
	if err != nil {
		return fmt.Errorf("failed to build demo topology: %w", err)
	}

	orch := orchestrator.New(orchestrator.WithLogHandler(opts.LogHandler))
	if err := topology.Register(orch); err != nil {
		return fmt.Errorf("failed to register demo services: %w", err)
	}
	if err := addListeners(orch, topology, opts); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Run(runCtx)
	}()

	if err := waitRunning(runCtx, topology.Services(), 5*time.Second); err != nil {
		cancel()
		<-errCh
		return fmt.Errorf("demo services failed to start: %w", err)
	}

	walkErr := walkthrough(runCtx, out, topology)

	if walkErr == nil && opts.Duration > 0 {
		printListenAddrs(out, opts)
		select {
		case <-time.After(opts.Duration):
		case <-runCtx.Done():
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		return errors.Join(walkErr, fmt.Errorf("demo shutdown: %w", err))
	}
	return walkErr
}

// addListeners attaches the optional HTTP, WebSocket, and backdoor
// surfaces to the orchestrator's supervision tree.
func addListeners(o *orchestrator.Orchestrator, t *demo.Topology, opts demoOptions) error {
	if opts.HTTPAddr != "" {
		runner, err := httpapi.NewRunner(t.Travel, []httpapi.Route{
			{Method: http.MethodPost, Path: "/trips", RPC: "book_trip"},
			{Method: http.MethodGet, Path: "/trips", RPC: "trip_status"},
		}, httpapi.WithAddr(opts.HTTPAddr), httpapi.WithLogHandler(opts.LogHandler))
		if err != nil {
			return fmt.Errorf("failed to build HTTP listener: %w", err)
		}
		if err := o.AddRunnable(runner); err != nil {
			return err
		}
	}
	if opts.WSAddr != "" {
		runner, err := wsapi.NewRunner(t.Calc,
			wsapi.WithAddr(opts.WSAddr), wsapi.WithLogHandler(opts.LogHandler))
		if err != nil {
			return fmt.Errorf("failed to build WebSocket listener: %w", err)
		}
		if err := o.AddRunnable(runner); err != nil {
			return err
		}
	}
	if opts.BackdoorAddr != "" {
		runner, err := backdoor.NewRunner(t.Travel,
			backdoor.WithAddr(opts.BackdoorAddr), backdoor.WithLogHandler(opts.LogHandler))
		if err != nil {
			return fmt.Errorf("failed to build backdoor listener: %w", err)
		}
		if err := o.AddRunnable(runner); err != nil {
			return err
		}
	}
	return nil
}

func printListenAddrs(out io.Writer, opts demoOptions) {
	if opts.HTTPAddr != "" {
		fmt.Fprintf(out, "HTTP API (travel): %s\n", fancy.PathText(opts.HTTPAddr))
	}
	if opts.WSAddr != "" {
		fmt.Fprintf(out, "WebSocket stream (calc): %s\n", fancy.PathText(opts.WSAddr))
	}
	if opts.BackdoorAddr != "" {
		fmt.Fprintf(out, "Backdoor shell (travel): %s\n", fancy.PathText(opts.BackdoorAddr))
	}
}

// waitRunning polls until every service reports running.
func waitRunning(ctx context.Context, services []*service.Service, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		running := 0
		for _, svc := range services {
			if svc.IsRunning() {
				running++
			}
		}
		if running == len(services) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d of %d services running after %s", running, len(services), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// walkthrough drives one scripted pass over the demo topology and
// writes what happened to out.
func walkthrough(ctx context.Context, out io.Writer, t *demo.Topology) error {
	fmt.Fprintln(out, fancy.HeaderStyle.Render("Demo walkthrough"))

	// Request/reply with a typed response.
	var sum demo.AddResponse
	if err := t.Calc.CallRPC(ctx, "calc", "add", demo.AddRequest{A: 2, B: 3}, &sum); err != nil {
		return fmt.Errorf("calc add: %w", err)
	}
	fmt.Fprintf(out, "RPC %s: 2 + 3 = %g\n", fancy.SubjectText("calc.rpc.add"), sum.Sum)

	// Fire-and-forget event.
	if err := t.Calc.CallAsync(ctx, "audit", "log_event",
		demo.AuditEvent{Event: "demo_started"}); err != nil {
		return fmt.Errorf("audit event: %w", err)
	}
	fmt.Fprintf(out, "Async %s accepted\n", fancy.SubjectText("audit.async.log_event"))

	// A raw map dodges client-side validation, so the audit service
	// itself rejects the short username.
	var reg demo.RegisterResponse
	err := t.Calc.CallRPC(ctx, "audit", "register",
		map[string]any{"username": "ab", "email": "demo@example.com", "age": 30}, &reg)
	if !errors.Is(err, errz.ErrValidation) {
		return fmt.Errorf("expected a validation rejection, got: %v", err)
	}
	fmt.Fprintf(out, "Rejected bad registration: %s\n", fancy.ErrorText(err.Error()))

	if err := t.Calc.CallRPC(ctx, "audit", "register",
		demo.RegisterRequest{Username: "demo_user", Email: "demo@example.com", Age: 30}, &reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Fprintf(out, "Registered %s, %s reporting\n",
		fancy.ServiceText("demo_user"), fancy.CountText(fmt.Sprintf("%d", reg.Reporters)))

	// A booking that lands.
	status, err := runTrip(ctx, t, demo.TripRequest{Destination: "Cardiff", Nights: 3})
	if err != nil {
		return fmt.Errorf("book trip: %w", err)
	}
	fmt.Fprintf(out, "Saga %s %s after %d steps\n",
		fancy.SagaText(demo.TravelSagaType), status.State, len(status.Steps))

	steps := fancy.SagaTree(fmt.Sprintf("%s steps", demo.TravelSagaType))
	for _, step := range status.Steps {
		steps.AddChild(fmt.Sprintf("%s: %s %s", step.Name, step.State,
			fancy.TruncateString(string(step.Result), 48)))
	}
	fmt.Fprintln(out, steps.Tree())

	// A booking whose car step fails, rolling back the hotel and flight.
	status, err = runTrip(ctx, t,
		demo.TripRequest{Destination: "Cardiff", Nights: 2, SimulateCarFailure: true})
	if err != nil {
		return fmt.Errorf("book failing trip: %w", err)
	}
	fmt.Fprintf(out, "Saga %s %s: %s\n",
		fancy.SagaText(demo.TravelSagaType), status.State, fancy.ErrorText(status.Error))

	events := t.Recorder.Events()
	trail := fancy.BranchNode("Recorded actions", fmt.Sprintf("(%d)", len(events)))
	for _, event := range events {
		trail.Child(event)
	}
	fmt.Fprintln(out, trail)
	return nil
}

// runTrip starts a travel booking saga and polls its status until it
// reaches a terminal state.
func runTrip(ctx context.Context, t *demo.Topology, req demo.TripRequest) (saga.Status, error) {
	var handle saga.Handle
	if err := t.Travel.CallRPC(ctx, "travel", "book_trip", req, &handle); err != nil {
		return saga.Status{}, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		var status saga.Status
		if err := t.Travel.CallRPC(ctx, "travel", "trip_status",
			demo.TripStatusRequest{SagaID: handle.SagaID}, &status); err != nil {
			return saga.Status{}, err
		}
		if saga.TerminalState(status.State) {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("saga %s still %s", handle.SagaID, status.State)
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
