package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABIJSON covers the calls and events the service uses.
const escrowABIJSON = `[
	{"type":"function","name":"orders","stateMutability":"view",
	 "inputs":[{"name":"","type":"uint256"}],
	 "outputs":[
		{"name":"maker","type":"address"},
		{"name":"taker","type":"address"},
		{"name":"cr","type":"bytes32"},
		{"name":"hashQR","type":"bytes32"},
		{"name":"mxn","type":"uint256"},
		{"name":"mon","type":"uint256"},
		{"name":"expiry","type":"uint256"},
		{"name":"status","type":"uint8"},
		{"name":"makerBond","type":"uint256"},
		{"name":"takerBond","type":"uint256"}]},
	{"type":"function","name":"nextId","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"arbitro","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"resolveDispute","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint256"},{"name":"verdict","type":"uint8"}],"outputs":[]},
	{"type":"event","name":"OrderCreated","anonymous":false,"inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"maker","type":"address","indexed":true},
		{"name":"mxn","type":"uint256","indexed":false},
		{"name":"mon","type":"uint256","indexed":false},
		{"name":"expiry","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderLocked","anonymous":false,"inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"taker","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderCompleted","anonymous":false,"inputs":[
		{"name":"id","type":"uint256","indexed":true}]},
	{"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[
		{"name":"id","type":"uint256","indexed":true}]},
	{"type":"event","name":"OrderDisputed","anonymous":false,"inputs":[
		{"name":"id","type":"uint256","indexed":true}]}
]`

var contractABI = mustParseABI(escrowABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("escrow: parse ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed escrow contract ABI.
func ABI() abi.ABI {
	return contractABI
}
