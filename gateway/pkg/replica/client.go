// Package replica queries the external indexed read replica (a subgraph)
// for historical engine events. The replica lags the live chain by an
// unspecified delay; callers merge its batches into fresher local state
// rather than trusting it wholesale.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/packetlabs/hongbao/gateway/pkg/msglog"
	"github.com/packetlabs/hongbao/utils/pkg/retry"
)

// DefaultBatchSize bounds a historical query.
const DefaultBatchSize = 20

// Error is a structured replica failure. Status is the HTTP status for
// transport-level failures and 0 for GraphQL-level ones.
type Error struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("replica query failed (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("replica query failed: %s", e.Message)
}

func (e *Error) StatusCode() int { return e.Status }

// ClaimRecord is one historical claim-success row.
type ClaimRecord struct {
	ID             string
	User           string
	Amount         *big.Int
	TxHash         string
	BlockTimestamp int64
}

type Config struct {
	Logger     *slog.Logger
	Endpoint   string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client is a GraphQL client for the replica endpoint.
type Client struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// RecentClaims returns up to limit claim-success records, newest first.
func (c *Client) RecentClaims(ctx context.Context, limit int) ([]ClaimRecord, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	query := fmt.Sprintf(`{
  grabSuccesses(orderBy: blockTimestamp, orderDirection: desc, first: %d) {
    id
    user
    amount
    txHash
    blockTimestamp
  }
}`, limit)

	var data struct {
		GrabSuccesses []struct {
			ID             string `json:"id"`
			User           string `json:"user"`
			Amount         string `json:"amount"`
			TxHash         string `json:"txHash"`
			BlockTimestamp string `json:"blockTimestamp"`
		} `json:"grabSuccesses"`
	}
	if err := c.query(ctx, query, &data); err != nil {
		return nil, err
	}

	records := make([]ClaimRecord, 0, len(data.GrabSuccesses))
	for _, g := range data.GrabSuccesses {
		amount, ok := new(big.Int).SetString(g.Amount, 10)
		if !ok {
			c.log.Warn("replica: dropping record with malformed amount", "id", g.ID, "amount", g.Amount)
			continue
		}
		ts, err := strconv.ParseInt(g.BlockTimestamp, 10, 64)
		if err != nil {
			c.log.Warn("replica: dropping record with malformed timestamp", "id", g.ID, "timestamp", g.BlockTimestamp)
			continue
		}
		txHash := strings.ToLower(g.TxHash)
		if txHash == "" {
			// Subgraph ids are <txhash>-<logindex>.
			txHash, _, _ = strings.Cut(strings.ToLower(g.ID), "-")
		}
		records = append(records, ClaimRecord{
			ID:             strings.ToLower(g.ID),
			User:           strings.ToLower(g.User),
			Amount:         amount,
			TxHash:         txHash,
			BlockTimestamp: ts,
		})
	}
	return records, nil
}

// RecentMessages returns up to limit message-log records, newest first.
func (c *Client) RecentMessages(ctx context.Context, limit int) ([]msglog.Message, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	query := fmt.Sprintf(`{
  messages(orderBy: timestamp, orderDirection: desc, first: %d) {
    id
    sender
    message
    timestamp
  }
}`, limit)

	var data struct {
		Messages []struct {
			ID        string `json:"id"`
			Sender    string `json:"sender"`
			Message   string `json:"message"`
			Timestamp string `json:"timestamp"`
		} `json:"messages"`
	}
	if err := c.query(ctx, query, &data); err != nil {
		return nil, err
	}

	messages := make([]msglog.Message, 0, len(data.Messages))
	for _, m := range data.Messages {
		ts, err := strconv.ParseInt(m.Timestamp, 10, 64)
		if err != nil {
			c.log.Warn("replica: dropping message with malformed timestamp", "id", m.ID)
			continue
		}
		messages = append(messages, msglog.Message{
			ID:        strings.ToLower(m.ID),
			Sender:    strings.ToLower(m.Sender),
			Text:      m.Message,
			Timestamp: ts,
		})
	}
	return messages, nil
}

// query posts a GraphQL document and decodes data into out. Transport and
// 5xx faults retry with backoff; GraphQL-level errors are final.
func (c *Client) query(ctx context.Context, query string, out any) error {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	return retry.Do(ctx, c.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return &Error{Endpoint: c.cfg.Endpoint, Message: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return &Error{Endpoint: c.cfg.Endpoint, Message: err.Error()}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return &Error{Endpoint: c.cfg.Endpoint, Status: resp.StatusCode, Message: err.Error()}
		}
		if resp.StatusCode != http.StatusOK {
			return &Error{Endpoint: c.cfg.Endpoint, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return &Error{Endpoint: c.cfg.Endpoint, Message: fmt.Sprintf("malformed response: %v", err)}
		}
		if len(envelope.Errors) > 0 {
			return &Error{Endpoint: c.cfg.Endpoint, Message: envelope.Errors[0].Message}
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &Error{Endpoint: c.cfg.Endpoint, Message: fmt.Sprintf("malformed data: %v", err)}
		}
		return nil
	})
}
