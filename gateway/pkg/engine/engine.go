// Package engine defines the allocation-engine contract: one funded
// distribution split into a fixed number of shares, claimed first-come
// first-served with at most one successful claim per address. The deployed
// contract is the ground truth; this package holds the call/event surface
// plus an in-memory reference implementation.
package engine

import (
	"context"
	"errors"
	"math/big"
)

// Reason codes attached to failed claim events. The strings match what the
// deployed contract emits, so decoded chain events and the reference engine
// produce identical timelines.
const (
	ReasonAlreadyClaimed = "already claimed"
	ReasonExhausted      = "no shares left"
)

var (
	// ErrNoDistribution is returned by reads before any distribution exists.
	ErrNoDistribution = errors.New("no active distribution")

	// ErrBadFunding is returned when the funds attached to a creation call
	// do not exactly equal the declared total.
	ErrBadFunding = errors.New("funded amount must equal declared total")

	// ErrBadShareCount is returned for a non-positive share count.
	ErrBadShareCount = errors.New("share count must be at least 1")
)

// ValidateDistribution checks the creation parameters every engine
// enforces: a positive funded total and at least one share.
func ValidateDistribution(totalAmount *big.Int, shareCount uint64) error {
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return ErrBadFunding
	}
	if shareCount == 0 {
		return ErrBadShareCount
	}
	return nil
}

// Summary is the authoritative read-state of the current distribution.
type Summary struct {
	Sender          string   `json:"sender"`
	TotalAmount     *big.Int `json:"totalAmount"`
	ShareCount      uint64   `json:"shareCount"`
	RemainingAmount *big.Int `json:"remainingAmount"`
	RemainingShares uint64   `json:"remainingShares"`
}

// EventKind identifies one of the four state transitions the engine reports.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventExhausted EventKind = "exhausted"
)

// Event is one engine state transition as reported by the event stream.
// BlockTime is unix seconds when the source reports one, 0 otherwise;
// consumers assign an observation timestamp in that case.
type Event struct {
	Kind      EventKind
	TxHash    string
	Address   string   // acting address; empty for exhausted
	Amount    *big.Int // awarded amount (succeeded) or declared total (created)
	Shares    uint64   // share count, set on created only
	Reason    string   // reason code, set on failed only
	BlockTime int64
}

// Engine is the allocation engine's call surface. The two writes submit a
// transaction and return its hash; the outcome of a claim is reported
// through the event stream and the reads, never the return value — a claim
// rejected by the engine is still a successfully submitted transaction.
// Reads are side-effect free and safe to call on every poll tick.
type Engine interface {
	CreateDistribution(ctx context.Context, totalAmount *big.Int, shareCount uint64) (txHash string, err error)
	ClaimShare(ctx context.Context, claimant string) (txHash string, err error)

	Summary(ctx context.Context) (*Summary, error)
	RemainingShares(ctx context.Context) (uint64, error)
	HasClaimed(ctx context.Context, addr string) (bool, error)
}

// Subscription mirrors go-ethereum's subscription contract so the chain
// adapter maps onto it directly.
type Subscription interface {
	// Unsubscribe cancels event delivery and closes the error channel.
	Unsubscribe()
	// Err reports a delivery failure. At most one error is sent.
	Err() <-chan error
}

// EventSource delivers engine events to ch until the subscription is
// cancelled. Delivery may duplicate under reconnect or replay; consumers
// are expected to de-duplicate.
type EventSource interface {
	SubscribeEvents(ctx context.Context, ch chan<- Event) (Subscription, error)
}
