package indexer

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/acal-network/arbitro/internal/ledger"
)

// ErrUnknownLog is returned for logs that are not escrow order events.
var ErrUnknownLog = errors.New("indexer: not an escrow order event")

var eventTypes = map[string]ledger.EventType{
	"OrderCreated":   ledger.EventCreated,
	"OrderLocked":    ledger.EventLocked,
	"OrderCompleted": ledger.EventCompleted,
	"OrderCancelled": ledger.EventCancelled,
	"OrderDisputed":  ledger.EventDisputed,
}

// Topics returns the topic0 hashes of the order events.
func Topics(a abi.ABI) []common.Hash {
	out := make([]common.Hash, 0, len(eventTypes))
	for name := range eventTypes {
		if ev, ok := a.Events[name]; ok {
			out = append(out, ev.ID)
		}
	}
	return out
}

// Decode turns an escrow log into a ChainEvent. Block timestamp and gas
// fields are left for the caller.
func Decode(a abi.ABI, l types.Log) (ledger.ChainEvent, error) {
	if len(l.Topics) < 2 {
		return ledger.ChainEvent{}, ErrUnknownLog
	}
	ev, err := a.EventByID(l.Topics[0])
	if err != nil {
		return ledger.ChainEvent{}, ErrUnknownLog
	}
	typ, ok := eventTypes[ev.Name]
	if !ok {
		return ledger.ChainEvent{}, ErrUnknownLog
	}

	out := ledger.ChainEvent{
		Type:        typ,
		OrderID:     new(big.Int).SetBytes(l.Topics[1].Bytes()).String(),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
	}

	switch typ {
	case ledger.EventCreated:
		if len(l.Topics) < 3 {
			return out, fmt.Errorf("indexer: %s missing maker topic", ev.Name)
		}
		out.Maker = common.BytesToAddress(l.Topics[2].Bytes()).Hex()
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return out, fmt.Errorf("indexer: unpack %s: %w", ev.Name, err)
		}
		if len(vals) != 3 {
			return out, fmt.Errorf("indexer: %s has %d data fields", ev.Name, len(vals))
		}
		out.MXN, _ = vals[0].(*big.Int)
		out.MON, _ = vals[1].(*big.Int)
		if expiry, ok := vals[2].(*big.Int); ok {
			out.Expiry = clampUnix(expiry)
		}
	case ledger.EventLocked:
		if len(l.Topics) < 3 {
			return out, fmt.Errorf("indexer: %s missing taker topic", ev.Name)
		}
		out.Taker = common.BytesToAddress(l.Topics[2].Bytes()).Hex()
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return out, fmt.Errorf("indexer: unpack %s: %w", ev.Name, err)
		}
		if len(vals) == 1 {
			out.Value, _ = vals[0].(*big.Int)
		}
	}
	return out, nil
}

// clampUnix converts a uint256 timestamp to unix seconds. Values past
// int64, such as type(uint256).max for "never expires", saturate.
func clampUnix(v *big.Int) int64 {
	if v.Sign() < 0 {
		return 0
	}
	if !v.IsInt64() {
		return math.MaxInt64
	}
	return v.Int64()
}
