package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

// subChanBuffer bounds each subscription's delivery queue. Messages beyond
// it are dropped, the way the real bus cuts off a slow consumer.
const subChanBuffer = 1024

// MemoryBus is a process-local message bus with full subject matching and
// request/reply semantics. Each service takes its own connection via Conn,
// mirroring how services each hold a connection to one server. The bus
// backs the test suites and the demo topology so neither needs a running
// server.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[uint64]*memorySub
	nextSubID atomic.Uint64
	inboxSeq  atomic.Uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySub)}
}

// Conn returns a new, unconnected client for this bus.
func (bus *MemoryBus) Conn() *MemoryConn {
	return &MemoryConn{bus: bus, subs: make(map[uint64]*memorySub)}
}

func (bus *MemoryBus) add(s *memorySub) {
	bus.mu.Lock()
	bus.subs[s.id] = s
	bus.mu.Unlock()
}

func (bus *MemoryBus) remove(id uint64) {
	bus.mu.Lock()
	delete(bus.subs, id)
	bus.mu.Unlock()
}

// publish fans the message out to every matching subscription in one pass,
// preserving per-subject FIFO for a single publisher. Returns the delivery
// count.
func (bus *MemoryBus) publish(msg *Message) int {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	delivered := 0
	for _, s := range bus.subs {
		if Match(s.pattern, msg.Subject) && s.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

// MemoryConn is one client connection to a MemoryBus.
type MemoryConn struct {
	bus       *MemoryBus
	mu        sync.Mutex
	subs      map[uint64]*memorySub
	connected atomic.Bool
	draining  atomic.Bool
	inflight  sync.WaitGroup
}

var _ Broker = (*MemoryConn)(nil)

func (c *MemoryConn) Connect(context.Context) error {
	c.draining.Store(false)
	c.connected.Store(true)
	return nil
}

func (c *MemoryConn) IsConnected() bool {
	return c.connected.Load()
}

func (c *MemoryConn) Subscribe(pattern string, handler MsgHandler) (Subscription, error) {
	if !c.connected.Load() || c.draining.Load() {
		return nil, fmt.Errorf("subscribe %q: %w", pattern, errz.ErrConnection)
	}
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: invalid subscription pattern %q", errz.ErrConfiguration, pattern)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler for pattern %q", errz.ErrConfiguration, pattern)
	}

	s := &memorySub{
		id:      c.bus.nextSubID.Add(1),
		pattern: pattern,
		handler: handler,
		conn:    c,
		ch:      make(chan *Message, subChanBuffer),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[s.id] = s
	c.mu.Unlock()
	c.bus.add(s)

	go s.loop()
	return s, nil
}

func (c *MemoryConn) Publish(subject string, data []byte) error {
	// publishing stays legal while draining so in-flight handlers can
	// still answer their reply inboxes
	if !c.connected.Load() {
		return fmt.Errorf("publish %q: %w", subject, errz.ErrConnection)
	}
	if !ValidSubject(subject) {
		return fmt.Errorf("%w: invalid publish subject %q", errz.ErrConfiguration, subject)
	}
	c.bus.publish(&Message{Subject: subject, Data: data})
	return nil
}

func (c *MemoryConn) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if !c.connected.Load() || c.draining.Load() {
		return nil, fmt.Errorf("request %q: %w", subject, errz.ErrConnection)
	}
	if !ValidSubject(subject) {
		return nil, fmt.Errorf("%w: invalid request subject %q", errz.ErrConfiguration, subject)
	}

	inbox := fmt.Sprintf("_inbox.%d", c.bus.inboxSeq.Add(1))
	replyCh := make(chan []byte, 1)
	sub, err := c.Subscribe(inbox, func(msg *Message) {
		select {
		case replyCh <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if n := c.bus.publish(&Message{Subject: subject, Reply: inbox, Data: data}); n == 0 {
		return nil, fmt.Errorf("request %q: no responders: %w", subject, errz.ErrRPCTimeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %q after %s: %w", subject, timeout, errz.ErrRPCTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("request %q: %w: %w", subject, ctx.Err(), errz.ErrConnection)
	}
}

// Drain stops intake on this connection's subscriptions, waits for queued
// deliveries up to the context deadline, then unsubscribes. Publishing
// remains possible until Close. Safe to call repeatedly.
func (c *MemoryConn) Drain(ctx context.Context) error {
	if !c.connected.Load() {
		return nil
	}
	if c.draining.Swap(true) {
		return nil
	}

	c.mu.Lock()
	subs := make([]*memorySub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.stopIntake()
	}

	waited := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("drain interrupted: %w", ctx.Err())
	}

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return err
}

func (c *MemoryConn) Close() error {
	if !c.connected.Swap(false) {
		return nil
	}
	c.mu.Lock()
	subs := make([]*memorySub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type memorySub struct {
	id      uint64
	pattern string
	handler MsgHandler
	conn    *MemoryConn
	ch      chan *Message
	done    chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

var _ Subscription = (*memorySub)(nil)

func (s *memorySub) Pattern() string { return s.pattern }

// stopIntake refuses further enqueues while leaving queued deliveries to
// complete.
func (s *memorySub) stopIntake() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		s.conn.bus.remove(s.id)
		s.conn.mu.Lock()
		delete(s.conn.subs, s.id)
		s.conn.mu.Unlock()
		close(s.done)
	})
	return nil
}

// enqueue hands the message to the delivery loop. Reports false when the
// subscription no longer takes messages or its queue is full.
func (s *memorySub) enqueue(msg *Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.conn.inflight.Add(1)
	select {
	case s.ch <- msg:
		return true
	default:
		// queue full, drop
		s.conn.inflight.Done()
		return false
	}
}

func (s *memorySub) loop() {
	for {
		select {
		case msg := <-s.ch:
			s.handler(msg)
			s.conn.inflight.Done()
		case <-s.done:
			// release anything still queued without delivering
			for {
				select {
				case <-s.ch:
					s.conn.inflight.Done()
				default:
					return
				}
			}
		}
	}
}
