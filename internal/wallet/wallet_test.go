package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acal-network/arbitro/internal/chaintest"
)

// Well-known dev key (hardhat account #0).
const (
	devKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		chainID int64
		wantErr error
	}{
		{"plain hex", devKey, 10143, nil},
		{"0x prefix", "0x" + devKey, 10143, nil},
		{"short", "abcd", 10143, ErrInvalidPrivateKey},
		{"not hex", "zz" + devKey[2:], 10143, ErrInvalidPrivateKey},
		{"no chain", devKey, 0, ErrInvalidChainID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.key, tt.chainID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(devAddress), s.Address())
		})
	}
}

func TestBuildAndSign(t *testing.T) {
	s, err := New(devKey, 10143)
	require.NoError(t, err)

	backend := &chaintest.Client{Nonce: 7, GasPrice: big.NewInt(100), GasLimit: 50_000}
	to := common.HexToAddress("0x9486f6C9d28ECdd95aba5bfa6188Bbc104d89C3e")

	tx, err := s.BuildAndSign(context.Background(), backend, to, []byte{0x01, 0x02})
	require.NoError(t, err)

	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas(), "estimate gets 20% headroom")
	assert.Equal(t, big.NewInt(100), tx.GasPrice())
	assert.Equal(t, to, *tx.To())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10143)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestBuildAndSign_GasEstimateFallback(t *testing.T) {
	s, err := New(devKey, 10143)
	require.NoError(t, err)

	backend := &chaintest.Client{GasErr: errors.New("execution reverted")}
	tx, err := s.BuildAndSign(context.Background(), backend, common.Address{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, tx.Gas())
}

func TestCheckArbitro(t *testing.T) {
	s, err := New(devKey, 10143)
	require.NoError(t, err)

	assert.NoError(t, s.CheckArbitro(common.HexToAddress(devAddress)))

	err = s.CheckArbitro(common.HexToAddress("0x000000000000000000000000000000000000dEaD"))
	assert.ErrorIs(t, err, ErrArbitroMismatch)
}

func TestPersonalSignature(t *testing.T) {
	s, err := New(devKey, 10143)
	require.NoError(t, err)

	msg := []byte("0xproof")
	sig, err := s.SignPersonal(msg)
	require.NoError(t, err)

	assert.NoError(t, VerifyPersonal(s.Address(), msg, sig))
	assert.ErrorIs(t, VerifyPersonal(common.Address{1}, msg, sig), ErrSignerMismatch)
	assert.ErrorIs(t, VerifyPersonal(s.Address(), msg, "0x1234"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPersonal(s.Address(), msg, "nothex"), ErrInvalidSignature)
}

func TestSignError(t *testing.T) {
	inner := errors.New("boom")
	err := &SignError{Op: "nonce", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "wallet: nonce failed: boom", err.Error())
}
