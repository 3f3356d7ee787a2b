package escrow

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Status is the on-chain order status code.
type Status uint8

const (
	StatusOpen Status = iota
	StatusLocked
	StatusCompleted
	StatusCancelled
	StatusDisputed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusLocked:
		return "LOCKED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusDisputed:
		return "DISPUTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Numeric is the status code as a decimal string, the way the contract
// returns it.
func (s Status) Numeric() string {
	return strconv.Itoa(int(s))
}

// Resolvable reports whether resolveDispute may be applied in this status.
func (s Status) Resolvable() bool {
	return s == StatusDisputed || s == StatusLocked
}

// Verdict is the arbitration ruling passed to resolveDispute.
type Verdict uint8

const (
	VerdictFavorMaker Verdict = 0
	VerdictFavorTaker Verdict = 1
	VerdictSplit      Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case VerdictFavorMaker:
		return "favor_maker"
	case VerdictFavorTaker:
		return "favor_taker"
	case VerdictSplit:
		return "split"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(v))
	}
}

// Valid reports whether v is one of the three rulings.
func (v Verdict) Valid() bool {
	return v <= VerdictSplit
}

// ParseVerdict validates an integer verdict.
func ParseVerdict(n int) (Verdict, error) {
	if n < 0 || n > int(VerdictSplit) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVerdict, n)
	}
	return Verdict(n), nil
}

// OrderSnapshot is the contract's view of one order at read time.
type OrderSnapshot struct {
	ID        *big.Int
	Maker     common.Address
	Taker     common.Address
	CRHash    [32]byte
	HashQR    [32]byte
	MXN       *big.Int
	MON       *big.Int // wei
	Expiry    *big.Int // unix seconds
	Status    Status
	MakerBond *big.Int
	TakerBond *big.Int
}

// Exists reports whether the slot holds an order. The contract returns a
// zeroed struct for unknown ids.
func (o *OrderSnapshot) Exists() bool {
	return o != nil && o.Maker != (common.Address{})
}

// PendingTx is a signed resolveDispute transaction that has been broadcast.
type PendingTx struct {
	Hash        common.Hash
	Tx          *types.Transaction
	OrderID     *big.Int
	Verdict     Verdict
	SubmittedAt time.Time
}
