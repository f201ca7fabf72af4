package eth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/packetlabs/hongbao/gateway/pkg/msglog"
)

// MessageClientConfig configures the on-chain message writer/reader.
type MessageClientConfig struct {
	Logger          *slog.Logger
	Backend         Backend
	ContractAddress common.Address // MessageLog contract; zero disables the event strategy
	Transactor      *Transactor    // optional; required for writes only
}

func (cfg *MessageClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	return nil
}

// MessageClient implements both on-chain message write strategies: raw
// transaction payload, and the MessageLog contract's event log.
type MessageClient struct {
	log *slog.Logger
	cfg MessageClientConfig
}

func NewMessageClient(cfg MessageClientConfig) (*MessageClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MessageClient{log: cfg.Logger, cfg: cfg}, nil
}

// InscribeRaw writes text as the calldata of a zero-value transfer to
// recipient. The text is recoverable from the transaction alone; no
// contract is involved.
func (c *MessageClient) InscribeRaw(ctx context.Context, recipient, text string) (string, error) {
	if c.cfg.Transactor == nil {
		return "", ErrNoTransactor
	}
	payload, err := msglog.EncodePayload(text)
	if err != nil {
		return "", err
	}
	to := common.HexToAddress(recipient)
	txHash, err := c.cfg.Transactor.Send(ctx, &to, big.NewInt(0), payload)
	if err != nil {
		return "", fmt.Errorf("failed to inscribe raw message: %w", err)
	}
	c.log.Info("eth: raw message inscribed", "tx", txHash, "bytes", len(text))
	return txHash, nil
}

// ReadRaw fetches a transaction by hash and decodes its calldata back into
// text. Pending transactions decode the same way as mined ones.
func (c *MessageClient) ReadRaw(ctx context.Context, txHash string) (*msglog.Message, error) {
	tx, _, err := c.cfg.Backend.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	text, err := msglog.DecodePayload(tx.Data())
	if err != nil {
		return nil, fmt.Errorf("transaction carries no message: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender: %w", err)
	}
	return &msglog.Message{
		ID:     strings.ToLower(tx.Hash().Hex()) + "-raw",
		Sender: strings.ToLower(from.Hex()),
		Text:   text,
	}, nil
}

// Store writes text through the MessageLog contract so it lands in the
// event log rather than raw calldata.
func (c *MessageClient) Store(ctx context.Context, text string) (string, error) {
	if c.cfg.Transactor == nil {
		return "", ErrNoTransactor
	}
	if c.cfg.ContractAddress == (common.Address{}) {
		return "", errors.New("no message contract configured")
	}
	if text == "" {
		return "", errors.New("message text is required")
	}
	data, err := messageLogABI.Pack("store", text)
	if err != nil {
		return "", fmt.Errorf("failed to pack store: %w", err)
	}
	to := c.cfg.ContractAddress
	txHash, err := c.cfg.Transactor.Send(ctx, &to, nil, data)
	if err != nil {
		return "", fmt.Errorf("failed to submit store: %w", err)
	}
	c.log.Info("eth: message stored", "tx", txHash, "bytes", len(text))
	return txHash, nil
}

// SubscribeMessages forwards decoded MessageLogged events to ch.
func (c *MessageClient) SubscribeMessages(ctx context.Context, ch chan<- msglog.Message) (msglog.Subscription, error) {
	if c.cfg.ContractAddress == (common.Address{}) {
		return nil, errors.New("no message contract configured")
	}
	logCh := make(chan types.Log, 64)
	inner, err := c.cfg.Backend.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.ContractAddress},
		Topics:    [][]common.Hash{{messageLogABI.Events["MessageLogged"].ID}},
	}, logCh)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to message logs: %w", err)
	}

	sub := &ethSub{inner: inner, done: make(chan struct{}), errCh: make(chan error, 1)}
	go func() {
		defer close(sub.errCh)
		for {
			select {
			case l := <-logCh:
				msg, ok := decodeMessageLog(l)
				if !ok {
					continue
				}
				select {
				case ch <- msg:
				case <-sub.done:
					return
				case <-ctx.Done():
					return
				}
			case err := <-inner.Err():
				if err != nil {
					c.log.Warn("eth: message subscription failed", "error", err)
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

func decodeMessageLog(l types.Log) (msglog.Message, bool) {
	if l.Removed || len(l.Topics) < 2 || l.Topics[0] != messageLogABI.Events["MessageLogged"].ID {
		return msglog.Message{}, false
	}
	out, err := messageLogABI.Unpack("MessageLogged", l.Data)
	if err != nil || len(out) != 2 {
		return msglog.Message{}, false
	}
	text, ok1 := out[0].(string)
	ts, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return msglog.Message{}, false
	}
	return msglog.Message{
		ID:        fmt.Sprintf("%s-%d", strings.ToLower(l.TxHash.Hex()), l.Index),
		Sender:    topicAddress(l.Topics[1]),
		Text:      text,
		Timestamp: ts.Int64(),
	}, true
}
