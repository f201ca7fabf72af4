package eth

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
)

// decodeRedPacketLog maps a raw contract log onto an engine event. Logs
// removed by a reorg and logs that fail to decode are dropped; the periodic
// poll re-converges the snapshot either way.
func decodeRedPacketLog(l types.Log) (engine.Event, bool) {
	if l.Removed || len(l.Topics) == 0 {
		return engine.Event{}, false
	}
	txHash := strings.ToLower(l.TxHash.Hex())

	switch l.Topics[0] {
	case redPacketABI.Events["PacketSent"].ID:
		if len(l.Topics) < 2 {
			return engine.Event{}, false
		}
		out, err := redPacketABI.Unpack("PacketSent", l.Data)
		if err != nil || len(out) != 2 {
			return engine.Event{}, false
		}
		amount, ok1 := out[0].(*big.Int)
		count, ok2 := out[1].(*big.Int)
		if !ok1 || !ok2 {
			return engine.Event{}, false
		}
		return engine.Event{
			Kind:    engine.EventCreated,
			TxHash:  txHash,
			Address: topicAddress(l.Topics[1]),
			Amount:  amount,
			Shares:  count.Uint64(),
		}, true

	case redPacketABI.Events["GrabSuccess"].ID:
		if len(l.Topics) < 2 {
			return engine.Event{}, false
		}
		out, err := redPacketABI.Unpack("GrabSuccess", l.Data)
		if err != nil || len(out) != 1 {
			return engine.Event{}, false
		}
		amount, ok := out[0].(*big.Int)
		if !ok {
			return engine.Event{}, false
		}
		return engine.Event{
			Kind:    engine.EventSucceeded,
			TxHash:  txHash,
			Address: topicAddress(l.Topics[1]),
			Amount:  amount,
		}, true

	case redPacketABI.Events["GrabFailed"].ID:
		if len(l.Topics) < 2 {
			return engine.Event{}, false
		}
		out, err := redPacketABI.Unpack("GrabFailed", l.Data)
		if err != nil || len(out) != 1 {
			return engine.Event{}, false
		}
		reason, ok := out[0].(string)
		if !ok {
			return engine.Event{}, false
		}
		return engine.Event{
			Kind:    engine.EventFailed,
			TxHash:  txHash,
			Address: topicAddress(l.Topics[1]),
			Reason:  reason,
		}, true

	case redPacketABI.Events["PacketFinished"].ID:
		return engine.Event{
			Kind:   engine.EventExhausted,
			TxHash: txHash,
		}, true
	}

	return engine.Event{}, false
}

func topicAddress(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}
