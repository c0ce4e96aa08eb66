// Package reconnect owns the connection lifecycle of a client.
//
//	Disconnected ──Connect──→ Connecting ──ok──→ Connected
//	     ↑                        │fail              │ lost (auto)
//	     └────────────────────────┘                  ↓
//	Disconnect / lost (manual) ←──────────────── Reconnecting ──ok──→ Connected
//
// After every successful (re)connect the registered priority hooks run
// before gated calls are let through.
package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("duplexrpc.reconnect")

// ErrNotConnected is returned by Gate while no connection is wanted.
const ErrNotConnected = errors.ConstError("not connected")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ProbeResult tells the priority sequence how to continue after a probe.
type ProbeResult int

const (
	Success  ProbeResult = iota // move on to the next hook
	RetryNow                    // run the probe again after PriorityDelay
	HoldAll                     // block the sequence until ReleaseHold
)

// Hook is one priority step: an Action runs once, a Probe runs until it
// reports Success.
type Hook struct {
	Action func(ctx context.Context)
	Probe  func(ctx context.Context) ProbeResult
}

type Config struct {
	// Connect establishes a new connection. It is called for the first
	// connect and for every reconnect attempt.
	Connect       func(ctx context.Context) error
	AutoReconnect bool
	Delay         time.Duration // between reconnect attempts
	PriorityDelay time.Duration // between RetryNow probes
	Clock         clock.Clock
	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(State)
}

// Controller drives connect, disconnect and reconnect.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	state   State
	manual  bool
	looping bool
	changed chan struct{} // closed and replaced on every transition
	gate    chan struct{} // closed once priority hooks are done

	hooksMu  sync.Mutex
	hooks    []Hook
	priority atomic.Bool

	wake chan struct{}
	hold chan struct{}
}

func New(cfg Config) *Controller {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.PriorityDelay <= 0 {
		cfg.PriorityDelay = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	gate := make(chan struct{})
	close(gate)
	c := &Controller{
		cfg:     cfg,
		changed: make(chan struct{}),
		gate:    gate,
		wake:    make(chan struct{}, 1),
		hold:    make(chan struct{}, 1),
	}
	c.priority.Store(true)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with mu held. It returns the notification to
// run once mu is released.
func (c *Controller) setState(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	return func() {
		logger.Debugf("connection %s", s)
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(s)
		}
	}
}

// Connect clears a previous Disconnect and connects once.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	notify := c.setState(Connecting)
	c.mu.Unlock()
	notify()

	if err := c.cfg.Connect(ctx); err != nil {
		c.mu.Lock()
		notify = c.setState(Disconnected)
		c.mu.Unlock()
		notify()
		return errors.Trace(err)
	}
	if c.DisconnectRequested() {
		return errors.Annotate(ErrNotConnected, "disconnected while connecting")
	}
	c.connected()
	return nil
}

// DisconnectRequested reports whether Disconnect was called since the last
// Connect. Connect functions check it before publishing a new connection.
func (c *Controller) DisconnectRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual
}

// Disconnect marks the connection as closed on purpose. It reports false
// when it was already disconnected on purpose, in which case nothing happens.
func (c *Controller) Disconnect() bool {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return false
	}
	c.manual = true
	notify := c.setState(Disconnected)
	c.mu.Unlock()
	c.Wake()
	c.ReleaseHold()
	notify()
	return true
}

// ConnectionLost reports that the connection dropped with err. Overlapping
// reports start at most one reconnect loop.
func (c *Controller) ConnectionLost(err error) {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	logger.Infof("connection lost: %v", err)
	if !c.cfg.AutoReconnect {
		notify := c.setState(Disconnected)
		c.mu.Unlock()
		notify()
		return
	}
	notify := c.setState(Reconnecting)
	start := !c.looping
	c.looping = true
	c.mu.Unlock()
	notify()
	if start {
		go c.loop()
	}
}

func (c *Controller) loop() {
	select {
	case <-c.wake:
	default:
	}
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if c.manual {
			c.looping = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.cfg.Connect(context.Background())
		if err == nil {
			c.mu.Lock()
			c.looping = false
			manual := c.manual
			c.mu.Unlock()
			if !manual {
				c.connected()
			}
			return
		}
		logger.Debugf("reconnect attempt %d failed: %v", attempt, err)
		select {
		case <-c.cfg.Clock.After(c.cfg.Delay):
		case <-c.wake:
		}
	}
}

// Wake cuts the current reconnect delay short.
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// connected closes the gate behind the priority hooks and runs them.
func (c *Controller) connected() {
	c.hooksMu.Lock()
	hooks := append([]Hook(nil), c.hooks...)
	c.hooksMu.Unlock()

	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	notify := c.setState(Connected)
	c.mu.Unlock()
	notify()

	if len(hooks) == 0 || !c.priority.Load() {
		close(gate)
		return
	}
	go func() {
		defer close(gate)
		c.runHooks(hooks)
	}()
}

func (c *Controller) runHooks(hooks []Hook) {
	ctx := WithPriority(context.Background())
	select {
	case <-c.hold:
	default:
	}
	for _, h := range hooks {
		if !c.priority.Load() {
			return
		}
		if h.Action != nil {
			h.Action(ctx)
			continue
		}
		if h.Probe == nil {
			continue
		}
	probe:
		for c.priority.Load() {
			switch h.Probe(ctx) {
			case Success:
				break probe
			case RetryNow:
				<-c.cfg.Clock.After(c.cfg.PriorityDelay)
			case HoldAll:
				<-c.hold
			}
		}
	}
}

// AddHook appends a priority hook, run after every later (re)connect.
func (c *Controller) AddHook(h Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// ReleaseHold lets a sequence blocked by HoldAll continue.
func (c *Controller) ReleaseHold() {
	select {
	case c.hold <- struct{}{}:
	default:
	}
}

func (c *Controller) EnablePriority() { c.priority.Store(true) }

// DisablePriority stops running hooks; a running sequence exits early.
func (c *Controller) DisablePriority() {
	c.priority.Store(false)
	c.ReleaseHold()
}

// Gate blocks a normal call until the connection is up and the priority
// hooks have finished. Calls carrying a priority context pass at once.
func (c *Controller) Gate(ctx context.Context) error {
	if IsPriority(ctx) {
		return nil
	}
	for {
		c.mu.Lock()
		state, gate, changed := c.state, c.gate, c.changed
		c.mu.Unlock()
		if state == Disconnected {
			return ErrNotConnected
		}
		if state != Connected {
			// not up yet: the old gate may still be open
			gate = nil
		}
		select {
		case <-gate:
			return nil
		case <-changed:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}

type priorityKey struct{}

// WithPriority marks ctx as belonging to a priority hook.
func WithPriority(ctx context.Context) context.Context {
	return context.WithValue(ctx, priorityKey{}, true)
}

func IsPriority(ctx context.Context) bool {
	v, _ := ctx.Value(priorityKey{}).(bool)
	return v
}
