package reconcile

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
	"github.com/packetlabs/hongbao/gateway/pkg/replica"
)

// Entry is one display-ready timeline record. Key is the de-duplication
// key; FromBlock records whether Timestamp came from a block or was
// assigned locally at observation time, which decides whether a replica
// resync may refine it later.
type Entry struct {
	Key       string           `json:"id"`
	Kind      engine.EventKind `json:"kind"`
	TxHash    string           `json:"txHash"`
	Address   string           `json:"address,omitempty"`
	Amount    *big.Int         `json:"amount,omitempty"`
	Shares    uint64           `json:"shares,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp int64            `json:"timestamp"`
	FromBlock bool             `json:"-"`
}

// Errors holds the last failure per input channel. A failure in one channel
// never clears or aborts the others.
type Errors struct {
	Poll         string `json:"pollError,omitempty"`
	Subscription string `json:"subscriptionError,omitempty"`
	Replica      string `json:"replicaError,omitempty"`
}

// DedupKey derives the stable identity of an event: the transaction hash,
// the event kind, and — for the two per-address kinds, which can share a
// transaction with other addresses' events — the acting address.
func DedupKey(ev engine.Event) string {
	switch ev.Kind {
	case engine.EventSucceeded, engine.EventFailed:
		return fmt.Sprintf("%s-%s-%s", ev.TxHash, ev.Kind, ev.Address)
	default:
		return fmt.Sprintf("%s-%s", ev.TxHash, ev.Kind)
	}
}

func claimRecordKey(r replica.ClaimRecord) string {
	return fmt.Sprintf("%s-%s-%s", r.TxHash, engine.EventSucceeded, r.User)
}

// State is the reconciled view of the engine: the latest snapshot, the
// de-duplicated timeline, and per-channel errors. Methods mutate in place
// and perform no I/O; the View serializes access.
type State struct {
	Snapshot   *engine.Summary
	HasClaimed bool
	Errors     Errors

	entries map[string]Entry
}

func NewState() *State {
	return &State{entries: make(map[string]Entry)}
}

// ApplyEvent merges one live-subscription event and reports whether it was
// new. A replayed delivery is retained as-is, except that a replay carrying
// a block timestamp refines an entry that only had an observation time.
func (s *State) ApplyEvent(ev engine.Event, observedAt time.Time) (Entry, bool) {
	key := DedupKey(ev)
	if existing, ok := s.entries[key]; ok {
		if ev.BlockTime > 0 && !existing.FromBlock {
			existing.Timestamp = ev.BlockTime
			existing.FromBlock = true
			s.entries[key] = existing
		}
		return existing, false
	}

	entry := Entry{
		Key:     key,
		Kind:    ev.Kind,
		TxHash:  ev.TxHash,
		Address: ev.Address,
		Shares:  ev.Shares,
		Reason:  ev.Reason,
	}
	if ev.Amount != nil {
		entry.Amount = new(big.Int).Set(ev.Amount)
	}
	if ev.BlockTime > 0 {
		entry.Timestamp = ev.BlockTime
		entry.FromBlock = true
	} else {
		entry.Timestamp = observedAt.Unix()
	}
	s.entries[key] = entry
	return entry, true
}

// ApplyResync merges a replica batch. The replica lags the live chain, so
// the batch only fills in keys the client has not seen: entries already
// delivered by the subscription are never dropped or overwritten, though
// their locally assigned timestamps are refined to the replica's block
// timestamps. Returns the entries that were new.
func (s *State) ApplyResync(records []replica.ClaimRecord) []Entry {
	var inserted []Entry
	for _, r := range records {
		key := claimRecordKey(r)
		if existing, ok := s.entries[key]; ok {
			if !existing.FromBlock && r.BlockTimestamp > 0 {
				existing.Timestamp = r.BlockTimestamp
				existing.FromBlock = true
				s.entries[key] = existing
			}
			continue
		}
		entry := Entry{
			Key:       key,
			Kind:      engine.EventSucceeded,
			TxHash:    r.TxHash,
			Address:   r.User,
			Timestamp: r.BlockTimestamp,
			FromBlock: true,
		}
		if r.Amount != nil {
			entry.Amount = new(big.Int).Set(r.Amount)
		}
		s.entries[key] = entry
		inserted = append(inserted, entry)
	}
	return inserted
}

// SetSnapshot replaces the current-state snapshot. Poll results carry no
// ordering token, so the latest completed poll wins.
func (s *State) SetSnapshot(sum *engine.Summary, hasClaimed bool) {
	s.Snapshot = sum
	s.HasClaimed = hasClaimed
}

// Timeline returns all entries newest-first, ties broken by key so the
// order is stable across resyncs.
func (s *State) Timeline() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// EntriesByTx returns the entries that originated from one transaction.
func (s *State) EntriesByTx(txHash string) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.TxHash == txHash {
			out = append(out, e)
		}
	}
	return out
}

func (s *State) Len() int { return len(s.entries) }
