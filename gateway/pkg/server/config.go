package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/packetlabs/hongbao/gateway/pkg/msglog"
	"github.com/packetlabs/hongbao/gateway/pkg/reconcile"
)

// VersionInfo is what /version reports.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// RawReader decodes an on-chain raw-calldata message by transaction hash.
type RawReader interface {
	ReadRaw(ctx context.Context, txHash string) (*msglog.Message, error)
}

// explorerBases maps chain IDs to their block-explorer URL, so clients can
// link transactions without hardcoding per-network URLs.
var explorerBases = map[uint64]string{
	1:        "https://etherscan.io",
	11155111: "https://sepolia.etherscan.io",
	17000:    "https://holesky.etherscan.io",
	31337:    "", // local devnet has no explorer
}

// UIConfig is the client-facing deployment description served by
// /api/config.
type UIConfig struct {
	ChainID         uint64 `json:"chainId"`
	ContractAddress string `json:"contractAddress,omitempty"`
	MessageContract string `json:"messageContract,omitempty"`
	CurrentUser     string `json:"currentUser,omitempty"`
	ExplorerBase    string `json:"explorerBase,omitempty"`
	PollIntervalMS  int64  `json:"pollIntervalMs"`
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string

	View *reconcile.View

	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration

	VersionInfo VersionInfo
	UIConfig    UIConfig

	// Messages is optional; without it the message endpoints return 503.
	Messages *msglog.Service

	// RawReader is optional; it backs GET /api/messages/raw/{txHash}.
	RawReader RawReader

	// Hub receives timeline and board updates for the websocket stream.
	Hub *Hub

	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string

	// ClaimsPerMinute caps claim submissions per client IP.
	ClaimsPerMinute int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.View == nil {
		return errors.New("view is required")
	}
	if c.Hub == nil {
		return errors.New("stream hub is required")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ClaimsPerMinute <= 0 {
		c.ClaimsPerMinute = 10
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	return nil
}

// ExplorerBase resolves the block-explorer URL for a chain ID.
func ExplorerBase(chainID uint64) string {
	return explorerBases[chainID]
}
