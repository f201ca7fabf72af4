package eth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
)

// ErrWrongClaimant is returned when a claim is requested for an address
// other than the configured signing key. The contract credits msg.sender,
// so the gateway can only claim for itself.
var ErrWrongClaimant = errors.New("claimant must match the configured signing address")

// ErrNoTransactor is returned for write operations when no signing key is
// configured. Reads still work.
var ErrNoTransactor = errors.New("no signing key configured")

// ClientConfig configures the deployed-contract adapter.
type ClientConfig struct {
	Logger          *slog.Logger
	Backend         Backend
	ContractAddress common.Address
	Transactor      *Transactor // optional; required for writes only
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return errors.New("contract address is required")
	}
	return nil
}

// Client adapts the deployed RedPacket contract to the engine contract.
// Reads go through eth_call; writes are signed by the transactor; events
// are decoded from the contract's log stream.
type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// CreateDistribution submits sendRedPacket with the declared total attached
// as the transaction value, so funding always equals the declared amount.
func (c *Client) CreateDistribution(ctx context.Context, totalAmount *big.Int, shareCount uint64) (string, error) {
	if c.cfg.Transactor == nil {
		return "", ErrNoTransactor
	}
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return "", engine.ErrBadFunding
	}
	if shareCount < 1 {
		return "", engine.ErrBadShareCount
	}
	data, err := redPacketABI.Pack("sendRedPacket", totalAmount, new(big.Int).SetUint64(shareCount))
	if err != nil {
		return "", fmt.Errorf("failed to pack sendRedPacket: %w", err)
	}
	to := c.cfg.ContractAddress
	txHash, err := c.cfg.Transactor.Send(ctx, &to, totalAmount, data)
	if err != nil {
		return "", fmt.Errorf("failed to submit sendRedPacket: %w", err)
	}
	c.log.Info("eth: distribution submitted", "tx", txHash, "total", totalAmount.String(), "shares", shareCount)
	return txHash, nil
}

// ClaimShare submits grab. The outcome (success, already claimed, no shares
// left) arrives through the event stream; the contract does not revert on a
// rejected claim.
func (c *Client) ClaimShare(ctx context.Context, claimant string) (string, error) {
	if c.cfg.Transactor == nil {
		return "", ErrNoTransactor
	}
	if !strings.EqualFold(claimant, c.cfg.Transactor.From()) {
		return "", ErrWrongClaimant
	}
	data, err := redPacketABI.Pack("grab")
	if err != nil {
		return "", fmt.Errorf("failed to pack grab: %w", err)
	}
	to := c.cfg.ContractAddress
	txHash, err := c.cfg.Transactor.Send(ctx, &to, nil, data)
	if err != nil {
		return "", fmt.Errorf("failed to submit grab: %w", err)
	}
	c.log.Info("eth: claim submitted", "tx", txHash, "claimant", claimant)
	return txHash, nil
}

func (c *Client) Summary(ctx context.Context) (*engine.Summary, error) {
	out, err := c.call(ctx, "packet")
	if err != nil {
		return nil, err
	}
	sender, ok1 := out[0].(common.Address)
	total, ok2 := out[1].(*big.Int)
	count, ok3 := out[2].(*big.Int)
	remainingAmount, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected packet() result shape")
	}
	if sender == (common.Address{}) {
		return nil, engine.ErrNoDistribution
	}

	shares, err := c.RemainingShares(ctx)
	if err != nil {
		return nil, err
	}
	return &engine.Summary{
		Sender:          strings.ToLower(sender.Hex()),
		TotalAmount:     total,
		ShareCount:      count.Uint64(),
		RemainingAmount: remainingAmount,
		RemainingShares: shares,
	}, nil
}

func (c *Client) RemainingShares(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "remaining")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected remaining() result shape")
	}
	return n.Uint64(), nil
}

func (c *Client) HasClaimed(ctx context.Context, addr string) (bool, error) {
	out, err := c.call(ctx, "claimed", common.HexToAddress(addr))
	if err != nil {
		return false, err
	}
	claimed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected claimed() result shape")
	}
	return claimed, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := redPacketABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	to := c.cfg.ContractAddress
	raw, err := c.cfg.Backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := redPacketABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}

// SubscribeEvents subscribes to the contract's logs and forwards decoded
// engine events to ch. Undecodable or reorg-removed logs are skipped.
func (c *Client) SubscribeEvents(ctx context.Context, ch chan<- engine.Event) (engine.Subscription, error) {
	logCh := make(chan types.Log, 64)
	inner, err := c.cfg.Backend.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.ContractAddress},
	}, logCh)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to contract logs: %w", err)
	}

	sub := &ethSub{inner: inner, done: make(chan struct{}), errCh: make(chan error, 1)}
	go func() {
		defer close(sub.errCh)
		for {
			select {
			case l := <-logCh:
				ev, ok := decodeRedPacketLog(l)
				if !ok {
					continue
				}
				select {
				case ch <- ev:
				case <-sub.done:
					return
				case <-ctx.Done():
					return
				}
			case err := <-inner.Err():
				if err != nil {
					c.log.Warn("eth: log subscription failed", "error", err)
					sub.errCh <- err
				}
				return
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

type ethSub struct {
	inner ethereum.Subscription
	once  sync.Once
	done  chan struct{}
	errCh chan error
}

func (s *ethSub) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		close(s.done)
	})
}

func (s *ethSub) Err() <-chan error { return s.errCh }
