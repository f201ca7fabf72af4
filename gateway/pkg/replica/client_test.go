package replica

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetlabs/hongbao/utils/pkg/retry"
	hbtesting "github.com/packetlabs/hongbao/utils/pkg/testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Logger:   hbtesting.NewLogger(),
		Endpoint: srv.URL,
		Retry:    retry.Config{MaxAttempts: 1, BaseBackoff: 1, MaxBackoff: 1},
	})
	require.NoError(t, err)
	return c
}

func TestHongbao_Replica_RecentClaims(t *testing.T) {
	t.Parallel()

	t.Run("parses a batch", func(t *testing.T) {
		t.Parallel()

		var gotQuery string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Query string `json:"query"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotQuery = body.Query

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"grabSuccesses":[
				{"id":"0xAAA-1","user":"0xBBB","amount":"20000","txHash":"0xAAA","blockTimestamp":"1700000100"},
				{"id":"0xccc-0","user":"0xddd","amount":"5","txHash":"","blockTimestamp":"1700000000"}
			]}}`))
		})

		records, err := c.RecentClaims(context.Background(), 20)
		require.NoError(t, err)
		require.Contains(t, gotQuery, "grabSuccesses")
		require.Contains(t, gotQuery, "first: 20")
		require.Len(t, records, 2)

		require.Equal(t, "0xaaa-1", records[0].ID)
		require.Equal(t, "0xbbb", records[0].User)
		require.Equal(t, int64(20000), records[0].Amount.Int64())
		require.Equal(t, "0xaaa", records[0].TxHash)
		require.Equal(t, int64(1700000100), records[0].BlockTimestamp)

		// txHash falls back to the id prefix when the field is absent.
		require.Equal(t, "0xccc", records[1].TxHash)
	})

	t.Run("drops malformed rows and keeps the rest", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"grabSuccesses":[
				{"id":"0xaaa-1","user":"0xbbb","amount":"not-a-number","txHash":"0xaaa","blockTimestamp":"1700000100"},
				{"id":"0xccc-0","user":"0xddd","amount":"5","txHash":"0xccc","blockTimestamp":"1700000000"}
			]}}`))
		})

		records, err := c.RecentClaims(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "0xccc-0", records[0].ID)
	})

	t.Run("surfaces graphql errors", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"errors":[{"message":"subgraph not synced"}]}`))
		})

		_, err := c.RecentClaims(context.Background(), 20)
		var replicaErr *Error
		require.ErrorAs(t, err, &replicaErr)
		require.Equal(t, "subgraph not synced", replicaErr.Message)
		require.Equal(t, 0, replicaErr.Status)
	})

	t.Run("surfaces http failures with status", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		})

		_, err := c.RecentClaims(context.Background(), 20)
		var replicaErr *Error
		require.ErrorAs(t, err, &replicaErr)
		require.Equal(t, http.StatusBadGateway, replicaErr.Status)
	})

	t.Run("retries transient server errors", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(nil)
		t.Cleanup(srv.Close)

		attempts := 0
		srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts < 2 {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"data":{"grabSuccesses":[]}}`))
		})

		c, err := New(Config{
			Logger:   hbtesting.NewLogger(),
			Endpoint: srv.URL,
			Retry:    retry.Config{MaxAttempts: 3, BaseBackoff: 1, MaxBackoff: 1},
		})
		require.NoError(t, err)

		records, err := c.RecentClaims(context.Background(), 20)
		require.NoError(t, err)
		require.Empty(t, records)
		require.Equal(t, 2, attempts)
	})
}

func TestHongbao_Replica_RecentMessages(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body.Query, "messages")

		_, _ = w.Write([]byte(`{"data":{"messages":[
			{"id":"0xaaa-0","sender":"0xBBB","message":"hello","timestamp":"1700000000"}
		]}}`))
	})

	messages, err := c.RecentMessages(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "0xaaa-0", messages[0].ID)
	require.Equal(t, "0xbbb", messages[0].Sender)
	require.Equal(t, "hello", messages[0].Text)
	require.Equal(t, int64(1700000000), messages[0].Timestamp)
}

func TestHongbao_Replica_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Endpoint: "http://example.test"})
	require.Error(t, err)

	_, err = New(Config{Logger: hbtesting.NewLogger()})
	require.Error(t, err)
}
