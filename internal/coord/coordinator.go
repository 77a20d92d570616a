package coord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/metrics"
)

// Defaults for the election protocol.
const (
	DefaultHeartbeat  = 5 * time.Second
	DefaultStaleAfter = 10 * time.Second
)

// Coordinator is one execution context's view of the sync layer.
type Coordinator struct {
	tabID       string
	leaders     LeaderStore
	bus         Bus
	locks       LockProvider
	heartbeat   time.Duration
	staleAfter  time.Duration
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu          sync.Mutex
	leader      bool
	lastRefresh time.Time
	skipClaim   bool
	clock       uint64
	handlers    map[int]Handler
	nextHandler int
	unsubscribe func()
	started     bool
	closed      bool
	stop        chan struct{}
	done        chan struct{}
	kick        chan struct{}

	noLockOnce sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTabID sets the context id. Defaults to a random UUID.
func WithTabID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.tabID = id
		}
	}
}

// WithLeaderStore enables leader election.
func WithLeaderStore(s LeaderStore) Option {
	return func(c *Coordinator) { c.leaders = s }
}

// WithBus enables cross-context broadcasts.
func WithBus(b Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithLockProvider enables advisory locks.
func WithLockProvider(p LockProvider) Option {
	return func(c *Coordinator) { c.locks = p }
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithStaleAfter sets how old a leader heartbeat may be before takeover.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithLockTimeout bounds how long WithLock waits. Zero waits until ctx ends.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns an unstarted Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		tabID:      uuid.NewString(),
		heartbeat:  DefaultHeartbeat,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     zap.NewNop(),
		handlers:   make(map[int]Handler),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("tab_id", c.tabID))
	return c
}

// TabID returns this context's id.
func (c *Coordinator) TabID() string { return c.tabID }

// Degraded reports that no LeaderStore is configured, so this context acts
// as leader unconditionally.
func (c *Coordinator) Degraded() bool { return c.leaders == nil }

// IsLeader reports current leadership.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// Clock returns the current logical clock.
func (c *Coordinator) Clock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// Start subscribes to the bus, makes a first claim and starts the heartbeat loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.bus != nil {
		unsub, err := c.bus.Subscribe(c.receive)
		if err != nil {
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.unsubscribe = unsub
		c.mu.Unlock()
	}
	if c.leaders == nil {
		c.logger.Debug("No leader store configured, acting as leader")
	}
	c.tick(ctx)
	go c.loop()
	return nil
}

func (c *Coordinator) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.timedTick()
		case <-c.kick:
			c.timedTick()
		}
	}
}

func (c *Coordinator) timedTick() {
	ctx, cancel := context.WithTimeout(context.Background(), c.heartbeat)
	defer cancel()
	c.tick(ctx)
}

// tick is one election round: claim (or refresh) and announce the outcome.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if c.leaders == nil {
		c.setLeader(ctx, true)
		return
	}
	c.mu.Lock()
	if c.skipClaim {
		c.skipClaim = false
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	now := c.now()
	claimed, err := c.leaders.Claim(ctx, c.tabID, now, c.staleAfter)
	if err != nil {
		c.logger.Warn("Leader claim failed", zap.Error(err))
		// Step down before another context may consider our record stale.
		c.mu.Lock()
		expired := c.leader && now.Sub(c.lastRefresh) >= c.staleAfter
		c.mu.Unlock()
		if expired {
			c.setLeader(ctx, false)
		}
		return
	}
	if claimed {
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
	}
	if claimed && c.IsLeader() {
		if err := c.Broadcast(ctx, LeaderPing, "", nil); err != nil {
			c.logger.Debug("Leader ping failed", zap.Error(err))
		}
		return
	}
	c.setLeader(ctx, claimed)
}

func (c *Coordinator) setLeader(ctx context.Context, leader bool) {
	c.mu.Lock()
	was := c.leader
	c.leader = leader
	c.mu.Unlock()
	if was == leader {
		return
	}
	if leader {
		metrics.Leader.WithLabelValues(c.tabID).Set(1)
		c.logger.Info("Became leader")
		if err := c.Broadcast(ctx, LeaderElected, "", nil); err != nil {
			c.logger.Debug("Leader announcement failed", zap.Error(err))
		}
		return
	}
	metrics.Leader.WithLabelValues(c.tabID).Set(0)
	c.logger.Info("Lost leadership")
}

// Resign gives up leadership. This context skips its next claim so another
// context can take over.
func (c *Coordinator) Resign(ctx context.Context) error {
	if !c.IsLeader() {
		return nil
	}
	if c.leaders == nil {
		return nil
	}
	if _, err := c.leaders.Release(ctx, c.tabID); err != nil {
		return err
	}
	c.mu.Lock()
	c.leader = false
	c.skipClaim = true
	c.mu.Unlock()
	metrics.Leader.WithLabelValues(c.tabID).Set(0)
	c.logger.Info("Resigned leadership")
	return c.Broadcast(ctx, LeaderResigned, "", nil)
}

// Close stops the heartbeat, releases leadership if held and unsubscribes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	unsub := c.unsubscribe
	c.mu.Unlock()

	if started {
		close(c.stop)
		<-c.done
	}
	var err error
	if c.IsLeader() && c.leaders != nil {
		if _, rerr := c.leaders.Release(ctx, c.tabID); rerr != nil {
			err = rerr
		} else if berr := c.Broadcast(ctx, LeaderResigned, "", nil); berr != nil && !errors.Is(berr, ErrBusClosed) {
			c.logger.Debug("Resign broadcast failed", zap.Error(berr))
		}
	}
	c.mu.Lock()
	c.leader = false
	c.mu.Unlock()
	metrics.Leader.WithLabelValues(c.tabID).Set(0)
	if unsub != nil {
		unsub()
	}
	return err
}

// Broadcast stamps a message with this context's id and the next logical
// clock value and publishes it. Without a bus it is a no-op.
func (c *Coordinator) Broadcast(ctx context.Context, t MessageType, collection string, ids []string) error {
	if c.bus == nil {
		return nil
	}
	c.mu.Lock()
	c.clock++
	m := Message{Type: t, TabID: c.tabID, Timestamp: c.clock, Collection: collection, DocumentIDs: ids}
	c.mu.Unlock()
	if err := c.bus.Publish(ctx, m); err != nil {
		return err
	}
	metrics.BroadcastMessagesTotal.WithLabelValues(string(t), "out").Inc()
	return nil
}

// OnMessage registers h for messages from other contexts.
func (c *Coordinator) OnMessage(h Handler) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) receive(m Message) {
	if m.TabID == c.tabID {
		return
	}
	c.mu.Lock()
	if m.Timestamp > c.clock {
		c.clock = m.Timestamp
	}
	c.clock++
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	leader, closed := c.leader, c.closed
	c.mu.Unlock()

	metrics.BroadcastMessagesTotal.WithLabelValues(string(m.Type), "in").Inc()
	if m.Type == LeaderElected && leader {
		c.logger.Debug("Another context announced leadership", zap.String("other_tab_id", m.TabID))
	}
	if m.Type == LeaderResigned && !leader && !closed && c.leaders != nil {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	for _, h := range handlers {
		h(m)
	}
}

// WithLock runs fn while holding name in mode. Without a LockProvider fn runs
// unguarded.
func (c *Coordinator) WithLock(ctx context.Context, name string, mode LockMode, fn func(context.Context) error) error {
	if c.locks == nil {
		c.noLockOnce.Do(func() {
			c.logger.Debug("No lock provider configured, running without locks")
		})
		return fn(ctx)
	}
	lockCtx := ctx
	if c.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()
	}
	release, err := c.locks.Acquire(lockCtx, name, mode)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return err
	}
	defer release()
	return fn(ctx)
}

// WithReadLock is WithLock in Shared mode.
func (c *Coordinator) WithReadLock(ctx context.Context, name string, fn func(context.Context) error) error {
	return c.WithLock(ctx, name, Shared, fn)
}

// WithWriteLock is WithLock in Exclusive mode.
func (c *Coordinator) WithWriteLock(ctx context.Context, name string, fn func(context.Context) error) error {
	return c.WithLock(ctx, name, Exclusive, fn)
}

// TryLock runs fn only if name can be taken immediately, otherwise it returns
// ErrLockUnavailable without running fn.
func (c *Coordinator) TryLock(ctx context.Context, name string, mode LockMode, fn func(context.Context) error) error {
	if c.locks == nil {
		return fn(ctx)
	}
	release, ok := c.locks.TryAcquire(name, mode)
	if !ok {
		return ErrLockUnavailable
	}
	defer release()
	return fn(ctx)
}
