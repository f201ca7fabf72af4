package eth

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI of the deployed RedPacket contract. The contract's allocation formula
// is opaque to the gateway; only the call/event surface below is relied on.
const redPacketABIJSON = `[
  {"type":"function","name":"packet","stateMutability":"view","inputs":[],"outputs":[
    {"name":"sender","type":"address"},
    {"name":"totalAmount","type":"uint256"},
    {"name":"count","type":"uint256"},
    {"name":"remainingAmount","type":"uint256"}]},
  {"type":"function","name":"remaining","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claimed","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"sendRedPacket","stateMutability":"payable","inputs":[
    {"name":"totalAmount","type":"uint256"},
    {"name":"count","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"grab","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"event","name":"PacketSent","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"count","type":"uint256","indexed":false}]},
  {"type":"event","name":"GrabSuccess","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"GrabFailed","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"PacketFinished","anonymous":false,"inputs":[]}
]`

// ABI of the MessageLog contract used by the event-log write strategy.
const messageLogABIJSON = `[
  {"type":"function","name":"store","stateMutability":"nonpayable","inputs":[{"name":"text","type":"string"}],"outputs":[]},
  {"type":"event","name":"MessageLogged","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"message","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`

var (
	redPacketABI  = mustParseABI(redPacketABIJSON)
	messageLogABI = mustParseABI(messageLogABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
