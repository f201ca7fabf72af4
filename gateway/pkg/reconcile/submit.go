package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
	"github.com/packetlabs/hongbao/gateway/pkg/metrics"
)

var (
	ErrNotConfigured  = errors.New("no engine configured for submissions")
	ErrAlreadyClaimed = errors.New("current user has already claimed")
	ErrClaimPending   = errors.New("a claim submission is already pending")
	ErrUnknownID      = errors.New("unknown submission id")
)

type SubmissionKind string

const (
	SubmissionCreate SubmissionKind = "create_distribution"
	SubmissionClaim  SubmissionKind = "claim"
)

type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusConfirmed SubmissionStatus = "confirmed"
	StatusFailed    SubmissionStatus = "failed"
)

// Submission tracks one write from local initiation to its observed
// outcome. TxHash fills in once the transaction is accepted; Status moves
// to confirmed or failed when the matching event arrives. StillPending
// flags a submission that has outlived the confirmation timeout without a
// matching event — the transaction may still land later.
type Submission struct {
	ID           string           `json:"id"`
	Kind         SubmissionKind   `json:"kind"`
	TxHash       string           `json:"txHash,omitempty"`
	Status       SubmissionStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Amount       *big.Int         `json:"amount,omitempty"`
	SubmittedAt  time.Time        `json:"submittedAt"`
	StillPending bool             `json:"stillPending"`
}

// SubmitCreateDistribution starts a distribution-creation write and
// returns its tracking record immediately. The engine call runs in the
// background: once sent, the transaction cannot be recalled, so the write
// is detached from the caller's context.
func (v *View) SubmitCreateDistribution(ctx context.Context, totalAmount *big.Int, shareCount uint64) (Submission, error) {
	if v.cfg.Engine == nil {
		return Submission{}, ErrNotConfigured
	}
	if err := engine.ValidateDistribution(totalAmount, shareCount); err != nil {
		return Submission{}, err
	}

	sub := v.newSubmission(SubmissionCreate)
	amount := new(big.Int).Set(totalAmount)
	go v.runSubmission(context.WithoutCancel(ctx), sub.ID, func(ctx context.Context) (string, error) {
		return v.cfg.Engine.CreateDistribution(ctx, amount, shareCount)
	})
	return sub, nil
}

// SubmitClaim starts a claim for the configured current user. Claims are
// gated locally: a user the snapshot already shows as claimed, or a user
// with a claim still in flight, is rejected before anything is sent.
func (v *View) SubmitClaim(ctx context.Context) (Submission, error) {
	if v.cfg.Engine == nil || v.cfg.CurrentUser == "" {
		return Submission{}, ErrNotConfigured
	}

	v.mu.Lock()
	if v.state.HasClaimed {
		v.mu.Unlock()
		return Submission{}, ErrAlreadyClaimed
	}
	for _, s := range v.subs {
		if s.Kind == SubmissionClaim && s.Status == StatusPending {
			v.mu.Unlock()
			return Submission{}, ErrClaimPending
		}
	}
	sub := Submission{
		ID:          uuid.NewString(),
		Kind:        SubmissionClaim,
		Status:      StatusPending,
		SubmittedAt: v.cfg.Clock.Now(),
	}
	v.subs[sub.ID] = &sub
	v.mu.Unlock()

	metrics.SubmissionsTotal.WithLabelValues(string(SubmissionClaim), string(StatusPending)).Inc()
	claimant := v.cfg.CurrentUser
	go v.runSubmission(context.WithoutCancel(ctx), sub.ID, func(ctx context.Context) (string, error) {
		return v.cfg.Engine.ClaimShare(ctx, claimant)
	})
	return sub, nil
}

func (v *View) newSubmission(kind SubmissionKind) Submission {
	sub := Submission{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      StatusPending,
		SubmittedAt: v.cfg.Clock.Now(),
	}
	v.mu.Lock()
	v.subs[sub.ID] = &sub
	v.mu.Unlock()
	metrics.SubmissionsTotal.WithLabelValues(string(kind), string(StatusPending)).Inc()
	return sub
}

// runSubmission performs the engine write and records either the rejection
// or the accepted transaction hash. An event for that hash may already
// have been merged before the hash lands here, so recording the hash also
// replays any matching timeline entries into the submission.
func (v *View) runSubmission(ctx context.Context, id string, send func(context.Context) (string, error)) {
	txHash, err := send(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	sub, ok := v.subs[id]
	if !ok {
		return
	}
	if err != nil {
		sub.Status = StatusFailed
		sub.Reason = err.Error()
		v.log.Warn("view: submission rejected", "id", id, "kind", sub.Kind, "error", err)
		metrics.SubmissionsTotal.WithLabelValues(string(sub.Kind), string(StatusFailed)).Inc()
		return
	}
	sub.TxHash = txHash
	v.log.Debug("view: submission sent", "id", id, "kind", sub.Kind, "tx", txHash)
	for _, e := range v.state.EntriesByTx(txHash) {
		v.resolveLocked(sub, e.Kind, e.Amount, e.Reason)
	}
}

// confirmFromEventLocked matches an observed event against pending
// submissions by transaction hash. Caller holds v.mu.
func (v *View) confirmFromEventLocked(ev engine.Event) {
	if ev.TxHash == "" {
		return
	}
	for _, sub := range v.subs {
		if sub.TxHash == ev.TxHash {
			v.resolveLocked(sub, ev.Kind, ev.Amount, ev.Reason)
		}
	}
}

func (v *View) resolveLocked(sub *Submission, kind engine.EventKind, amount *big.Int, reason string) {
	if sub.Status != StatusPending {
		return
	}
	switch {
	case sub.Kind == SubmissionCreate && kind == engine.EventCreated:
		sub.Status = StatusConfirmed
	case sub.Kind == SubmissionClaim && kind == engine.EventSucceeded:
		sub.Status = StatusConfirmed
		if amount != nil {
			sub.Amount = new(big.Int).Set(amount)
		}
	case sub.Kind == SubmissionClaim && kind == engine.EventFailed:
		sub.Status = StatusFailed
		sub.Reason = reason
	default:
		return
	}
	sub.StillPending = false
	metrics.SubmissionsTotal.WithLabelValues(string(sub.Kind), string(sub.Status)).Inc()
}

// sweepPending flags submissions that have been pending past the
// confirmation timeout. They stay pending — the transaction may still be
// mined — but consumers can surface the delay.
func (v *View) sweepPending(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, sub := range v.subs {
		if sub.Status == StatusPending && !sub.StillPending && now.Sub(sub.SubmittedAt) > v.cfg.ConfirmTimeout {
			sub.StillPending = true
			v.log.Warn("view: submission unconfirmed past timeout", "id", sub.ID, "kind", sub.Kind, "tx", sub.TxHash)
		}
	}
}

// Submission returns one tracked submission by id.
func (v *View) Submission(id string) (Submission, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sub, ok := v.subs[id]
	if !ok {
		return Submission{}, ErrUnknownID
	}
	return *sub, nil
}

// Submissions returns all tracked submissions, newest first.
func (v *View) Submissions() []Submission {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Submission, 0, len(v.subs))
	for _, sub := range v.subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
