// Package wallet holds the arbitration signing key and builds signed
// transactions for the escrow contract.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidChainID    = errors.New("wallet: chain id required")
	ErrArbitroMismatch   = errors.New("wallet: signer is not the contract arbitro")
	ErrInvalidSignature  = errors.New("wallet: invalid signature")
	ErrSignerMismatch    = errors.New("wallet: signature does not match address")
)

// SignError wraps signing pipeline failures with the step that failed.
type SignError struct {
	Op  string // nonce, gas_price, sign
	Err error
}

func (e *SignError) Error() string {
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *SignError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// TxBackend is what the signer needs from a node to fill in a transaction.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// DefaultGasLimit is used when gas estimation fails.
const DefaultGasLimit = uint64(300000)

// -----------------------------------------------------------------------------
// Signer
// -----------------------------------------------------------------------------

// Signer signs escrow transactions with the arbitration key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// New parses a hex private key (with or without 0x).
func New(privateKeyHex string, chainID int64) (*Signer, error) {
	if chainID <= 0 {
		return nil, ErrInvalidChainID
	}
	hexKey := strings.TrimPrefix(privateKeyHex, "0x")
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	id := big.NewInt(chainID)
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer signs for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// BuildAndSign fills nonce, gas price and gas limit from backend and signs a
// zero-value call to `to` with calldata.
func (s *Signer) BuildAndSign(ctx context.Context, backend TxBackend, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, &SignError{Op: "nonce", Err: err}
	}

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SignError{Op: "gas_price", Err: err}
	}

	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil || gasLimit == 0 {
		gasLimit = DefaultGasLimit
	} else {
		gasLimit += gasLimit / 5
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, &SignError{Op: "sign", Err: err}
	}
	return signed, nil
}

// CheckArbitro fails with ErrArbitroMismatch unless the signer is arbitro.
func (s *Signer) CheckArbitro(arbitro common.Address) error {
	if arbitro != s.address {
		return fmt.Errorf("%w: contract expects %s, key is %s", ErrArbitroMismatch, arbitro.Hex(), s.address.Hex())
	}
	return nil
}

// SignPersonal produces an EIP-191 personal_sign signature over message.
func (s *Signer) SignPersonal(message []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return "", &SignError{Op: "sign", Err: err}
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// -----------------------------------------------------------------------------
// Signature verification
// -----------------------------------------------------------------------------

// RecoverPersonal returns the address that produced an EIP-191 signature.
func RecoverPersonal(message []byte, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}

	// Wallets emit v as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonal checks that signatureHex is addr's EIP-191 signature of message.
func VerifyPersonal(addr common.Address, message []byte, signatureHex string) error {
	got, err := RecoverPersonal(message, signatureHex)
	if err != nil {
		return err
	}
	if got != addr {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, got.Hex())
	}
	return nil
}
