package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
	"github.com/packetlabs/hongbao/gateway/pkg/msglog"
	"github.com/packetlabs/hongbao/gateway/pkg/reconcile"
	hbtesting "github.com/packetlabs/hongbao/utils/pkg/testing"
)

type fakeWriter struct {
	stored    []string
	inscribed []string
}

func (f *fakeWriter) Store(ctx context.Context, text string) (string, error) {
	f.stored = append(f.stored, text)
	return "0xstore", nil
}

func (f *fakeWriter) InscribeRaw(ctx context.Context, recipient, text string) (string, error) {
	f.inscribed = append(f.inscribed, text)
	return "0xraw", nil
}

type testHarness struct {
	srv    *Server
	view   *reconcile.View
	mem    *engine.Memory
	writer *fakeWriter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := hbtesting.NewLogger()

	mem, err := engine.NewMemory(engine.MemoryConfig{Logger: log, Sender: "0xsender"})
	require.NoError(t, err)

	hub := NewHub(log)
	view, err := reconcile.New(reconcile.Config{
		Logger:       log,
		Engine:       mem,
		Events:       mem,
		CurrentUser:  "0xme",
		PollInterval: 20 * time.Millisecond,
		OnEntry:      hub.BroadcastEntry,
	})
	require.NoError(t, err)
	require.NoError(t, view.Start(context.Background()))
	t.Cleanup(view.Close)

	writer := &fakeWriter{}
	msgs, err := msglog.NewService(msglog.ServiceConfig{
		Logger:    log,
		Writer:    writer,
		OnMessage: hub.BroadcastMessage,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Logger:     log,
		ListenAddr: "127.0.0.1:0",
		View:       view,
		Hub:        hub,
		Messages:   msgs,
		UIConfig:   UIConfig{ChainID: 11155111, CurrentUser: "0xme", ExplorerBase: ExplorerBase(11155111), PollIntervalMS: 8000},
		VersionInfo: VersionInfo{
			Version: "test",
		},
		ClaimsPerMinute: 600,
	})
	require.NoError(t, err)

	return &testHarness{srv: srv, view: view, mem: mem, writer: writer}
}

func (h *testHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHongbao_Server_SummaryBeforeCreation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.get(t, "/api/summary")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.get(t, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st reconcile.StateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Nil(t, st.Snapshot)
	require.Empty(t, st.Timeline)
}

func TestHongbao_Server_CreateAndClaimFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.post(t, "/api/distributions", createDistributionRequest{TotalAmount: "100", ShareCount: 4})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created reconcile.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, reconcile.SubmissionCreate, created.Kind)

	require.Eventually(t, func() bool {
		rec := h.get(t, "/api/submissions/"+created.ID)
		if rec.Code != http.StatusOK {
			return false
		}
		var sub reconcile.Submission
		return json.Unmarshal(rec.Body.Bytes(), &sub) == nil && sub.Status == reconcile.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.post(t, "/api/claims", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var claim reconcile.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))

	require.Eventually(t, func() bool {
		rec := h.get(t, "/api/submissions/" + claim.ID)
		var sub reconcile.Submission
		return rec.Code == http.StatusOK &&
			json.Unmarshal(rec.Body.Bytes(), &sub) == nil &&
			sub.Status == reconcile.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	// Snapshot catches up through the poll loop.
	require.Eventually(t, func() bool {
		rec := h.get(t, "/api/summary")
		if rec.Code != http.StatusOK {
			return false
		}
		var sum engine.Summary
		return json.Unmarshal(rec.Body.Bytes(), &sum) == nil && sum.RemainingShares == 3
	}, 2*time.Second, 10*time.Millisecond)

	// A second claim from the same user is rejected before submission.
	require.Eventually(t, func() bool {
		rec := h.post(t, "/api/claims", nil)
		return rec.Code == http.StatusConflict
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHongbao_Server_CreateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.post(t, "/api/distributions", createDistributionRequest{TotalAmount: "not-a-number", ShareCount: 4})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post(t, "/api/distributions", createDistributionRequest{TotalAmount: "0", ShareCount: 4})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post(t, "/api/distributions", createDistributionRequest{TotalAmount: "100", ShareCount: 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHongbao_Server_Messages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.post(t, "/api/messages", postMessageRequest{Text: "恭喜发财", Strategy: "raw"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp postMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "0xraw", resp.TxHash)

	rec = h.post(t, "/api/messages", postMessageRequest{Text: "hello", Strategy: "contract"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.post(t, "/api/messages", postMessageRequest{Text: "hello", Strategy: "pigeon"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post(t, "/api/messages", postMessageRequest{Text: strings.Repeat("x", msglog.MaxTextBytes+1), Strategy: "raw"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The raw message is visible immediately; the contract one waits for
	// its event.
	rec = h.get(t, "/api/messages")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []msglog.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "恭喜发财", msgs[0].Text)
}

func TestHongbao_Server_UIConfigAndVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.get(t, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg UIConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Equal(t, uint64(11155111), cfg.ChainID)
	require.Equal(t, "https://sepolia.etherscan.io", cfg.ExplorerBase)

	rec = h.get(t, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test")

	rec = h.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHongbao_Server_RateLimitsClaims(t *testing.T) {
	t.Parallel()
	log := hbtesting.NewLogger()

	mem, err := engine.NewMemory(engine.MemoryConfig{Logger: log, Sender: "0xsender"})
	require.NoError(t, err)
	hub := NewHub(log)
	view, err := reconcile.New(reconcile.Config{Logger: log, Engine: mem, CurrentUser: "0xme"})
	require.NoError(t, err)

	srv, err := New(Config{
		Logger:          log,
		ListenAddr:      "127.0.0.1:0",
		View:            view,
		Hub:             hub,
		ClaimsPerMinute: 1,
	})
	require.NoError(t, err)

	// Burst of 3, then the limiter kicks in regardless of outcome.
	var limited bool
	for range 6 {
		req := httptest.NewRequest(http.MethodPost, "/api/claims", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			require.NotEmpty(t, rec.Header().Get("Retry-After"))
			break
		}
	}
	require.True(t, limited)
}

// Without an engine the service still serves reads and health probes;
// only the two write endpoints report the missing configuration.
func TestHongbao_Server_DegradedWithoutEngine(t *testing.T) {
	t.Parallel()
	log := hbtesting.NewLogger()

	hub := NewHub(log)
	view, err := reconcile.New(reconcile.Config{Logger: log})
	require.NoError(t, err)
	require.NoError(t, view.Start(context.Background()))
	t.Cleanup(view.Close)

	srv, err := New(Config{
		Logger:     log,
		ListenAddr: "127.0.0.1:0",
		View:       view,
		Hub:        hub,
	})
	require.NoError(t, err)
	h := &testHarness{srv: srv, view: view}

	rec := h.get(t, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.get(t, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st reconcile.StateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Nil(t, st.Snapshot)

	rec = h.post(t, "/api/claims", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.post(t, "/api/distributions", createDistributionRequest{TotalAmount: "100", ShareCount: 4})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHongbao_Server_StreamDeliversEntries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	_, err = h.mem.CreateDistribution(context.Background(), big.NewInt(50), 2)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev StreamEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	require.Equal(t, "entry", ev.Type)
	require.NotNil(t, ev.Entry)
	require.Equal(t, engine.EventCreated, ev.Entry.Kind)
}
