// Package msglog holds the gateway's on-chain message board: short text
// messages written either as raw transaction calldata or through a
// contract event log, collected into a de-duplicated in-memory board.
package msglog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"
)

// MaxTextBytes bounds a single message. Calldata costs gas per byte; the
// original deployment never accepted more than this.
const MaxTextBytes = 1024

// Message is one on-chain text message, from either write strategy.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription matches the engine package's subscription contract.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// EncodePayload validates text and returns the calldata bytes of a raw
// inscription.
func EncodePayload(text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("message text is required")
	}
	if len(text) > MaxTextBytes {
		return nil, fmt.Errorf("message exceeds %d bytes", MaxTextBytes)
	}
	return []byte(text), nil
}

// DecodePayload converts raw transaction calldata back into text,
// rejecting payloads that are not valid utf-8.
func DecodePayload(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty payload")
	}
	if len(data) > MaxTextBytes {
		return "", fmt.Errorf("payload exceeds %d bytes", MaxTextBytes)
	}
	if !utf8.Valid(data) {
		return "", errors.New("payload is not valid utf-8 text")
	}
	return string(data), nil
}

// Board is the in-memory message collection. Messages arrive from the live
// event subscription and from replica resyncs; both paths key by message ID
// so replays and overlaps collapse to one entry.
type Board struct {
	mu       sync.RWMutex
	messages map[string]Message
}

func NewBoard() *Board {
	return &Board{messages: make(map[string]Message)}
}

// Apply inserts msg if its ID is unknown and reports whether it was new.
// Known IDs are retained untouched.
func (b *Board) Apply(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.messages[msg.ID]; ok {
		return false
	}
	b.messages[msg.ID] = msg
	return true
}

// List returns all messages newest-first, ties broken by ID for a stable
// order across resyncs.
func (b *Board) List() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, len(b.messages))
	for _, m := range b.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}
