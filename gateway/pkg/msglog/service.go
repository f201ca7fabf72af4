package msglog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultResyncInterval = time.Minute
	DefaultResyncBatch    = 20
)

var ErrNoWriter = errors.New("no message writer configured")

// Writer submits a message on-chain and returns the transaction hash.
// The two strategies are the raw calldata inscription and the contract
// event log.
type Writer interface {
	InscribeRaw(ctx context.Context, recipient, text string) (string, error)
	Store(ctx context.Context, text string) (string, error)
}

// EventSource delivers contract-logged messages as they land.
type EventSource interface {
	SubscribeMessages(ctx context.Context, ch chan<- Message) (Subscription, error)
}

// ReplicaSource serves recent contract-logged messages from the indexed
// replica.
type ReplicaSource interface {
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
}

type ServiceConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Writer  Writer        // nil disables posting
	Events  EventSource   // nil disables the live subscription
	Replica ReplicaSource // nil disables resyncs

	// RawRecipient is the address raw inscriptions are sent to.
	RawRecipient string

	ResyncInterval time.Duration
	ResyncBatch    int

	// OnMessage fires for every message newly added to the board.
	OnMessage func(Message)
}

func (c *ServiceConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.ResyncBatch <= 0 {
		c.ResyncBatch = DefaultResyncBatch
	}
	return nil
}

// Service keeps the message board current from the live subscription and
// the replica, and posts new messages through either write strategy.
type Service struct {
	log   *slog.Logger
	cfg   ServiceConfig
	board *Board

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message service config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg, board: NewBoard()}, nil
}

func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cfg.Events != nil {
		s.wg.Add(1)
		go s.subscriptionLoop(ctx)
	}
	if s.cfg.Replica != nil {
		s.wg.Add(1)
		go s.resyncLoop(ctx)
	}
	return nil
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Messages returns the board newest-first.
func (s *Service) Messages() []Message { return s.board.List() }

// PostContract writes text through the contract event log. The message
// appears on the board once its event is observed.
func (s *Service) PostContract(ctx context.Context, text string) (string, error) {
	if s.cfg.Writer == nil {
		return "", ErrNoWriter
	}
	if err := validateText(text); err != nil {
		return "", err
	}
	return s.cfg.Writer.Store(ctx, text)
}

// PostRaw writes text as raw transaction calldata. Raw inscriptions emit
// no event, so the posted message is applied to the board immediately with
// the submission time, keyed by its transaction hash.
func (s *Service) PostRaw(ctx context.Context, sender, text string) (string, error) {
	if s.cfg.Writer == nil {
		return "", ErrNoWriter
	}
	if err := validateText(text); err != nil {
		return "", err
	}
	txHash, err := s.cfg.Writer.InscribeRaw(ctx, s.cfg.RawRecipient, text)
	if err != nil {
		return "", err
	}
	s.apply(Message{
		ID:        txHash + "-raw",
		Sender:    sender,
		Text:      text,
		Timestamp: s.cfg.Clock.Now().Unix(),
	})
	return txHash, nil
}

func validateText(text string) error {
	if text == "" {
		return errors.New("message text is required")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("message exceeds %d bytes", MaxTextBytes)
	}
	return nil
}

func (s *Service) apply(msg Message) {
	if !s.board.Apply(msg) {
		return
	}
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
}

func (s *Service) subscriptionLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		ch := make(chan Message, 64)
		sub, err := s.cfg.Events.SubscribeMessages(ctx, ch)
		if err != nil {
			s.log.Warn("msglog: subscribe failed", "error", err)
			if !s.sleep(ctx, s.cfg.ResyncInterval) {
				return
			}
			continue
		}

	pump:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case msg := <-ch:
				s.apply(msg)
			case err, ok := <-sub.Err():
				if ok && err != nil {
					s.log.Warn("msglog: subscription dropped", "error", err)
				}
				break pump
			}
		}
		sub.Unsubscribe()
		if !s.sleep(ctx, s.cfg.ResyncInterval) {
			return
		}
	}
}

func (s *Service) resyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	s.resync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.resync(ctx)
		}
	}
}

func (s *Service) resync(ctx context.Context) {
	msgs, err := s.cfg.Replica.RecentMessages(ctx, s.cfg.ResyncBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("msglog: replica resync failed", "error", err)
		}
		return
	}
	for _, m := range msgs {
		s.apply(m)
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.cfg.Clock.After(d):
		return true
	}
}
