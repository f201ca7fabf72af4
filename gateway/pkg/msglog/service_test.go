package msglog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	hbtesting "github.com/packetlabs/hongbao/utils/pkg/testing"
)

type stubWriter struct {
	mu         sync.Mutex
	stored     []string
	inscribed  []string
	recipients []string
}

func (w *stubWriter) Store(ctx context.Context, text string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stored = append(w.stored, text)
	return "0xstore", nil
}

func (w *stubWriter) InscribeRaw(ctx context.Context, recipient, text string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inscribed = append(w.inscribed, text)
	w.recipients = append(w.recipients, recipient)
	return "0xraw", nil
}

type stubReplica struct {
	msgs []Message
	err  error
}

func (r *stubReplica) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	return r.msgs, r.err
}

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = hbtesting.NewLogger()
	}
	s, err := NewService(cfg)
	require.NoError(t, err)
	return s
}

func TestHongbao_MessageService_PostRawAppearsImmediately(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	var notified []Message
	var mu sync.Mutex
	s := newTestService(t, ServiceConfig{
		Writer:       w,
		RawRecipient: "0xdest",
		OnMessage: func(m Message) {
			mu.Lock()
			notified = append(notified, m)
			mu.Unlock()
		},
	})

	txHash, err := s.PostRaw(context.Background(), "0xme", "新年快乐")
	require.NoError(t, err)
	require.Equal(t, "0xraw", txHash)
	require.Equal(t, []string{"0xdest"}, w.recipients)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "0xraw-raw", msgs[0].ID)
	require.Equal(t, "0xme", msgs[0].Sender)
	require.Equal(t, "新年快乐", msgs[0].Text)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
}

func TestHongbao_MessageService_PostContractWaitsForEvent(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	s := newTestService(t, ServiceConfig{Writer: w})

	txHash, err := s.PostContract(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "0xstore", txHash)

	// The board only shows contract messages once their event arrives.
	require.Empty(t, s.Messages())
	s.apply(Message{ID: "0xstore-0", Sender: "0xme", Text: "hello", Timestamp: 10})
	require.Len(t, s.Messages(), 1)
}

func TestHongbao_MessageService_Validation(t *testing.T) {
	t.Parallel()

	s := newTestService(t, ServiceConfig{Writer: &stubWriter{}})

	_, err := s.PostContract(context.Background(), "")
	require.Error(t, err)

	_, err = s.PostRaw(context.Background(), "0xme", strings.Repeat("x", MaxTextBytes+1))
	require.Error(t, err)

	noWriter := newTestService(t, ServiceConfig{})
	_, err = noWriter.PostContract(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNoWriter)
}

func TestHongbao_MessageService_ResyncMergesReplica(t *testing.T) {
	t.Parallel()

	rep := &stubReplica{msgs: []Message{
		{ID: "0xaa-0", Sender: "0x1", Text: "old", Timestamp: 100},
		{ID: "0xbb-0", Sender: "0x2", Text: "older", Timestamp: 50},
	}}
	s := newTestService(t, ServiceConfig{
		Replica:        rep,
		ResyncInterval: 10 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 2
	}, time.Second, 5*time.Millisecond)

	msgs := s.Messages()
	require.Equal(t, "0xaa-0", msgs[0].ID)
	require.Equal(t, "0xbb-0", msgs[1].ID)

	// Replays keep the board stable.
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 100*time.Millisecond, 10*time.Millisecond)
}
