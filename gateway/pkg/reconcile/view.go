package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
	"github.com/packetlabs/hongbao/gateway/pkg/metrics"
	"github.com/packetlabs/hongbao/gateway/pkg/replica"
)

const (
	DefaultPollInterval   = 8 * time.Second
	DefaultResyncInterval = time.Minute
	DefaultConfirmTimeout = 90 * time.Second
	DefaultResyncBatch    = 20
)

// ReplicaSource is the slice of the replica client the view needs.
type ReplicaSource interface {
	RecentClaims(ctx context.Context, limit int) ([]replica.ClaimRecord, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Engine serves reads and writes; nil runs the view without polling
	// or submissions (timeline from the other channels only).
	Engine engine.Engine

	// Events feeds the live subscription channel; nil disables it.
	Events engine.EventSource

	// Replica feeds periodic resyncs from the indexed store; nil disables
	// them.
	Replica ReplicaSource

	// CurrentUser is the lowercase hex address whose claim eligibility the
	// snapshot tracks. Empty disables claim submissions.
	CurrentUser string

	PollInterval   time.Duration
	ResyncInterval time.Duration

	// ConfirmTimeout bounds how long a submission may sit unconfirmed
	// before it is flagged as still pending.
	ConfirmTimeout time.Duration

	ResyncBatch int

	// OnEntry, when set, is invoked for every entry newly added to the
	// timeline, outside the view lock.
	OnEntry func(Entry)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ResyncBatch <= 0 {
		c.ResyncBatch = DefaultResyncBatch
	}
	return nil
}

// View merges the poll, subscription, and replica channels into one
// consistent client state and tracks in-flight submissions.
type View struct {
	log *slog.Logger
	cfg Config

	mu    sync.RWMutex
	state *State
	subs  map[string]*Submission

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	readyCh   chan struct{}
	readyOnce sync.Once
}

func New(cfg Config) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid view config: %w", err)
	}
	return &View{
		log:     cfg.Logger,
		cfg:     cfg,
		state:   NewState(),
		subs:    make(map[string]*Submission),
		readyCh: make(chan struct{}),
	}, nil
}

// Start launches the input loops. Each channel runs independently: a
// failing channel records its error and keeps retrying while the others
// continue.
func (v *View) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel

	if v.cfg.Engine != nil {
		v.wg.Add(1)
		go v.pollLoop(ctx)
	} else {
		v.markReady()
	}
	if v.cfg.Events != nil {
		v.wg.Add(1)
		go v.subscriptionLoop(ctx)
	}
	if v.cfg.Replica != nil {
		v.wg.Add(1)
		go v.resyncLoop(ctx)
	}
	return nil
}

// Ready closes after the first poll attempt completes (or immediately when
// no engine is configured), so callers can gate readiness probes on it.
func (v *View) Ready() <-chan struct{} { return v.readyCh }

// Close stops the loops and waits for them. No OnEntry callback fires
// after Close returns. In-flight submissions keep running to completion:
// a transaction already sent cannot be recalled.
func (v *View) Close() {
	if v.cancel != nil {
		v.cancel()
	}
	v.wg.Wait()
}

func (v *View) markReady() {
	v.readyOnce.Do(func() { close(v.readyCh) })
}

func (v *View) pollLoop(ctx context.Context) {
	defer v.wg.Done()

	ticker := v.cfg.Clock.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	v.safePoll(ctx)
	v.markReady()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			v.safePoll(ctx)
			v.sweepPending(v.cfg.Clock.Now())
		}
	}
}

func (v *View) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("view: panic during poll", "panic", r)
			metrics.PollRefreshTotal.WithLabelValues("panic").Inc()
		}
	}()
	start := time.Now()
	if err := v.poll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		v.log.Warn("view: poll failed", "error", err)
		metrics.PollRefreshTotal.WithLabelValues("error").Inc()
		v.mu.Lock()
		v.state.Errors.Poll = err.Error()
		v.mu.Unlock()
		return
	}
	metrics.PollRefreshTotal.WithLabelValues("success").Inc()
	metrics.PollRefreshDuration.Observe(time.Since(start).Seconds())
}

// poll runs the three read-only queries concurrently and installs the
// result as the new snapshot. A read against an engine that has no
// distribution yet is not a fault: it clears the snapshot.
func (v *View) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.PollInterval)
	defer cancel()

	var (
		sum     *engine.Summary
		shares  uint64
		claimed bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sum, err = v.cfg.Engine.Summary(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		shares, err = v.cfg.Engine.RemainingShares(gctx)
		return err
	})
	if v.cfg.CurrentUser != "" {
		g.Go(func() error {
			var err error
			claimed, err = v.cfg.Engine.HasClaimed(gctx, v.cfg.CurrentUser)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, engine.ErrNoDistribution) {
			v.mu.Lock()
			v.state.SetSnapshot(nil, false)
			v.state.Errors.Poll = ""
			v.mu.Unlock()
			return nil
		}
		return err
	}
	sum.RemainingShares = shares

	v.mu.Lock()
	v.state.SetSnapshot(sum, claimed)
	v.state.Errors.Poll = ""
	v.mu.Unlock()
	return nil
}

func (v *View) subscriptionLoop(ctx context.Context) {
	defer v.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		ch := make(chan engine.Event, 128)
		sub, err := v.cfg.Events.SubscribeEvents(ctx, ch)
		if err != nil {
			v.log.Warn("view: subscribe failed", "error", err)
			v.setSubscriptionError(err)
			if !v.sleep(ctx, v.cfg.PollInterval) {
				return
			}
			continue
		}
		v.setSubscriptionError(nil)

		v.pump(ctx, ch, sub)
		sub.Unsubscribe()
		if !v.sleep(ctx, v.cfg.PollInterval) {
			return
		}
	}
}

// pump drains one subscription until it errors out or the context ends.
func (v *View) pump(ctx context.Context, ch <-chan engine.Event, sub engine.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			v.applyEvent(ev)
		case err, ok := <-sub.Err():
			if !ok {
				return
			}
			if err != nil {
				v.log.Warn("view: subscription dropped", "error", err)
				v.setSubscriptionError(err)
			}
			return
		}
	}
}

func (v *View) applyEvent(ev engine.Event) {
	now := v.cfg.Clock.Now()

	v.mu.Lock()
	entry, inserted := v.state.ApplyEvent(ev, now)
	v.confirmFromEventLocked(ev)
	size := v.state.Len()
	v.mu.Unlock()

	metrics.SubscriptionEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	metrics.TimelineEntriesGauge.Set(float64(size))
	if inserted && v.cfg.OnEntry != nil {
		v.cfg.OnEntry(entry)
	}
}

func (v *View) setSubscriptionError(err error) {
	v.mu.Lock()
	if err != nil {
		v.state.Errors.Subscription = err.Error()
	} else {
		v.state.Errors.Subscription = ""
	}
	v.mu.Unlock()
}

func (v *View) resyncLoop(ctx context.Context) {
	defer v.wg.Done()

	ticker := v.cfg.Clock.NewTicker(v.cfg.ResyncInterval)
	defer ticker.Stop()

	v.resync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			v.resync(ctx)
		}
	}
}

func (v *View) resync(ctx context.Context) {
	records, err := v.cfg.Replica.RecentClaims(ctx, v.cfg.ResyncBatch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		v.log.Warn("view: replica resync failed", "error", err)
		metrics.ReplicaResyncTotal.WithLabelValues("error").Inc()
		v.mu.Lock()
		v.state.Errors.Replica = err.Error()
		v.mu.Unlock()
		return
	}
	metrics.ReplicaResyncTotal.WithLabelValues("success").Inc()

	v.mu.Lock()
	inserted := v.state.ApplyResync(records)
	v.state.Errors.Replica = ""
	size := v.state.Len()
	v.mu.Unlock()

	metrics.TimelineEntriesGauge.Set(float64(size))
	if v.cfg.OnEntry != nil {
		for _, e := range inserted {
			v.cfg.OnEntry(e)
		}
	}
}

func (v *View) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-v.cfg.Clock.After(d):
		return true
	}
}

// StateView is the merged state handed to API consumers.
type StateView struct {
	Snapshot   *engine.Summary `json:"snapshot"`
	HasClaimed bool            `json:"hasClaimed"`
	Timeline   []Entry         `json:"timeline"`
	Errors     Errors          `json:"errors"`
}

// State copies out the current merged state.
func (v *View) State() StateView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return StateView{
		Snapshot:   v.state.Snapshot,
		HasClaimed: v.state.HasClaimed,
		Timeline:   v.state.Timeline(),
		Errors:     v.state.Errors,
	}
}
