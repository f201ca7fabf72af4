package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const eventsTopic = "engine:events"

// MemoryConfig configures the in-memory reference engine.
type MemoryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Sender is the address attributed to distributions this engine creates,
	// standing in for the transaction signer a deployed contract would see.
	Sender string
}

func (cfg *MemoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sender == "" {
		return errors.New("sender address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Memory is the reference allocation engine: equal-split share policy,
// single current distribution, events fanned out over an in-process bus.
// It satisfies the same call and event contract as the deployed contract
// adapter, which makes it the reference for the engine test suite and a
// zero-dependency local backend.
type Memory struct {
	log *slog.Logger
	cfg MemoryConfig
	bus EventBus.Bus

	mu  sync.Mutex
	cur *distribution
}

type distribution struct {
	sender          string
	totalAmount     *big.Int
	shareCount      uint64
	remainingAmount *big.Int
	remainingShares uint64
	claimed         map[string]struct{}
}

func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		log: cfg.Logger,
		cfg: cfg,
		bus: EventBus.New(),
	}, nil
}

// CreateDistribution funds a new distribution and resets the current one.
// Funding equals the declared total by construction; a deployed contract
// enforces the same equality on the attached value.
func (m *Memory) CreateDistribution(ctx context.Context, totalAmount *big.Int, shareCount uint64) (string, error) {
	if err := ValidateDistribution(totalAmount, shareCount); err != nil {
		return "", err
	}

	txHash := newTxHash()
	now := m.cfg.Clock.Now().Unix()

	m.mu.Lock()
	m.cur = &distribution{
		sender:          normalize(m.cfg.Sender),
		totalAmount:     new(big.Int).Set(totalAmount),
		shareCount:      shareCount,
		remainingAmount: new(big.Int).Set(totalAmount),
		remainingShares: shareCount,
		claimed:         make(map[string]struct{}),
	}
	m.mu.Unlock()

	m.log.Debug("engine: distribution created", "tx", txHash, "total", totalAmount.String(), "shares", shareCount)
	m.publish(Event{
		Kind:      EventCreated,
		TxHash:    txHash,
		Address:   normalize(m.cfg.Sender),
		Amount:    new(big.Int).Set(totalAmount),
		Shares:    shareCount,
		BlockTime: now,
	})
	return txHash, nil
}

// ClaimShare applies the claim preconditions in contract order and mutates
// state atomically on success. A rejected claim is still a successful
// transaction; the rejection is reported through a failed event.
func (m *Memory) ClaimShare(ctx context.Context, claimant string) (string, error) {
	claimant = normalize(claimant)
	txHash := newTxHash()
	now := m.cfg.Clock.Now().Unix()

	m.mu.Lock()
	evs := m.applyClaim(claimant, txHash, now)
	m.mu.Unlock()

	for _, ev := range evs {
		m.publish(ev)
	}
	return txHash, nil
}

// applyClaim holds m.mu. Returned events are published after unlock so a
// synchronous bus handler cannot re-enter the engine while it is locked.
func (m *Memory) applyClaim(claimant, txHash string, now int64) []Event {
	if m.cur == nil || m.cur.remainingShares == 0 {
		return []Event{{Kind: EventFailed, TxHash: txHash, Address: claimant, Reason: ReasonExhausted, BlockTime: now}}
	}
	if _, ok := m.cur.claimed[claimant]; ok {
		return []Event{{Kind: EventFailed, TxHash: txHash, Address: claimant, Reason: ReasonAlreadyClaimed, BlockTime: now}}
	}

	// Equal split: remaining/shares, which also sweeps the division
	// remainder into the final share.
	award := new(big.Int).Div(m.cur.remainingAmount, new(big.Int).SetUint64(m.cur.remainingShares))
	m.cur.claimed[claimant] = struct{}{}
	m.cur.remainingShares--
	m.cur.remainingAmount.Sub(m.cur.remainingAmount, award)

	evs := []Event{{Kind: EventSucceeded, TxHash: txHash, Address: claimant, Amount: award, BlockTime: now}}
	if m.cur.remainingShares == 0 {
		evs = append(evs, Event{Kind: EventExhausted, TxHash: txHash, BlockTime: now})
	}
	return evs
}

func (m *Memory) Summary(ctx context.Context) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, ErrNoDistribution
	}
	return &Summary{
		Sender:          m.cur.sender,
		TotalAmount:     new(big.Int).Set(m.cur.totalAmount),
		ShareCount:      m.cur.shareCount,
		RemainingAmount: new(big.Int).Set(m.cur.remainingAmount),
		RemainingShares: m.cur.remainingShares,
	}, nil
}

func (m *Memory) RemainingShares(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return 0, ErrNoDistribution
	}
	return m.cur.remainingShares, nil
}

func (m *Memory) HasClaimed(ctx context.Context, addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return false, nil
	}
	_, ok := m.cur.claimed[normalize(addr)]
	return ok, nil
}

// SubscribeEvents delivers every published event to ch until the
// subscription is cancelled. Delivery is synchronous with the mutating
// call; subscribers should buffer ch.
func (m *Memory) SubscribeEvents(ctx context.Context, ch chan<- Event) (Subscription, error) {
	sub := &memSub{
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
	handler := func(ev Event) {
		select {
		case ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
		}
	}
	if err := m.bus.Subscribe(eventsTopic, handler); err != nil {
		return nil, err
	}
	sub.cancel = func() { _ = m.bus.Unsubscribe(eventsTopic, handler) }
	return sub, nil
}

func (m *Memory) publish(ev Event) {
	m.bus.Publish(eventsTopic, ev)
}

type memSub struct {
	once   sync.Once
	done   chan struct{}
	errCh  chan error
	cancel func()
}

func (s *memSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		close(s.errCh)
	})
}

func (s *memSub) Err() <-chan error { return s.errCh }

func normalize(addr string) string { return strings.ToLower(addr) }

// newTxHash synthesizes a 32-byte transaction hash for local mutations.
func newTxHash() string {
	a, b := uuid.New(), uuid.New()
	return "0x" + hex.EncodeToString(append(a[:], b[:]...))
}
