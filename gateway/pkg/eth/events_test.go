package eth

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
)

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func mustPack(t *testing.T, event string, args ...any) []byte {
	t.Helper()
	data, err := redPacketABI.Events[event].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return data
}

func TestHongbao_DecodeRedPacketLog(t *testing.T) {
	t.Parallel()

	txHash := common.HexToHash("0xA1")
	user := common.HexToAddress("0xAbCd000000000000000000000000000000000001")

	t.Run("packet sent", func(t *testing.T) {
		t.Parallel()
		ev, ok := decodeRedPacketLog(types.Log{
			TxHash: txHash,
			Topics: []common.Hash{redPacketABI.Events["PacketSent"].ID, addrTopic(user)},
			Data:   mustPack(t, "PacketSent", big.NewInt(1000), big.NewInt(8)),
		})
		require.True(t, ok)
		require.Equal(t, engine.EventCreated, ev.Kind)
		require.Equal(t, "0xabcd000000000000000000000000000000000001", ev.Address)
		require.Equal(t, big.NewInt(1000), ev.Amount)
		require.Equal(t, uint64(8), ev.Shares)
	})

	t.Run("grab success", func(t *testing.T) {
		t.Parallel()
		ev, ok := decodeRedPacketLog(types.Log{
			TxHash: txHash,
			Topics: []common.Hash{redPacketABI.Events["GrabSuccess"].ID, addrTopic(user)},
			Data:   mustPack(t, "GrabSuccess", big.NewInt(125)),
		})
		require.True(t, ok)
		require.Equal(t, engine.EventSucceeded, ev.Kind)
		require.Equal(t, big.NewInt(125), ev.Amount)
	})

	t.Run("grab failed", func(t *testing.T) {
		t.Parallel()
		ev, ok := decodeRedPacketLog(types.Log{
			TxHash: txHash,
			Topics: []common.Hash{redPacketABI.Events["GrabFailed"].ID, addrTopic(user)},
			Data:   mustPack(t, "GrabFailed", engine.ReasonAlreadyClaimed),
		})
		require.True(t, ok)
		require.Equal(t, engine.EventFailed, ev.Kind)
		require.Equal(t, engine.ReasonAlreadyClaimed, ev.Reason)
	})

	t.Run("packet finished", func(t *testing.T) {
		t.Parallel()
		ev, ok := decodeRedPacketLog(types.Log{
			TxHash: txHash,
			Topics: []common.Hash{redPacketABI.Events["PacketFinished"].ID},
		})
		require.True(t, ok)
		require.Equal(t, engine.EventExhausted, ev.Kind)
		require.Empty(t, ev.Address)
	})

	t.Run("reorged log dropped", func(t *testing.T) {
		t.Parallel()
		_, ok := decodeRedPacketLog(types.Log{
			Removed: true,
			TxHash:  txHash,
			Topics:  []common.Hash{redPacketABI.Events["PacketFinished"].ID},
		})
		require.False(t, ok)
	})

	t.Run("foreign log dropped", func(t *testing.T) {
		t.Parallel()
		_, ok := decodeRedPacketLog(types.Log{
			TxHash: txHash,
			Topics: []common.Hash{common.HexToHash("0xdeadbeef")},
		})
		require.False(t, ok)
	})

	t.Run("truncated data dropped", func(t *testing.T) {
		t.Parallel()
		_, ok := decodeRedPacketLog(types.Log{
			TxHash: txHash,
			Topics: []common.Hash{redPacketABI.Events["GrabSuccess"].ID, addrTopic(user)},
			Data:   []byte{0x01},
		})
		require.False(t, ok)
	})
}

func TestHongbao_DecodeMessageLog(t *testing.T) {
	t.Parallel()

	sender := common.HexToAddress("0xAbCd000000000000000000000000000000000002")
	data, err := messageLogABI.Events["MessageLogged"].Inputs.NonIndexed().Pack("恭喜发财", big.NewInt(1700000000))
	require.NoError(t, err)

	msg, ok := decodeMessageLog(types.Log{
		TxHash: common.HexToHash("0xB2"),
		Index:  3,
		Topics: []common.Hash{messageLogABI.Events["MessageLogged"].ID, addrTopic(sender)},
		Data:   data,
	})
	require.True(t, ok)
	require.Equal(t, "恭喜发财", msg.Text)
	require.Equal(t, "0xabcd000000000000000000000000000000000002", msg.Sender)
	require.Equal(t, int64(1700000000), msg.Timestamp)
	require.Contains(t, msg.ID, "-3")

	_, ok = decodeMessageLog(types.Log{Removed: true})
	require.False(t, ok)
}
