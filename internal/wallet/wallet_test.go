package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

type fakeClient struct {
	nonce       uint64
	gasPrice    *big.Int
	estimateErr error
	sendErr     error
	receipt     *types.Receipt
	receiptErrs int // receipt calls to fail before succeeding
	balance     *big.Int

	sentTx *types.Transaction
}

func (f *fakeClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 60000, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTx = tx
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if f.receiptErrs > 0 {
		f.receiptErrs--
		return nil, errors.New("not found")
	}
	if f.receipt == nil {
		return nil, errors.New("not found")
	}
	return f.receipt, nil
}

func (f *fakeClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.balance == nil {
		return nil, errors.New("call failed")
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeClient) Close() {}

type fakeKeys struct {
	key *ecdsa.PrivateKey
	err error
}

func (f *fakeKeys) SigningKey(_ context.Context, _ string) (*ecdsa.PrivateKey, error) {
	return f.key, f.err
}

func newTestSender(t *testing.T, client *fakeClient) *Sender {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s, err := New(
		Config{RPCURL: "http://localhost:8545", ChainID: 84532, TokenContract: tokenContract},
		&fakeKeys{key: key},
		slog.New(slog.DiscardHandler),
		WithClient(client),
		WithConfirmationTimeout(10*time.Second),
	)
	require.NoError(t, err)
	return s
}

func TestSendTokenConfirmed(t *testing.T) {
	client := &fakeClient{
		nonce: 7,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			GasUsed:     52000,
		},
	}
	s := newTestSender(t, client)

	receipt, err := s.SendToken(context.Background(), "sk_1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "1.50")
	require.NoError(t, err)

	assert.NotEmpty(t, receipt.TxHash)
	assert.Equal(t, uint64(52000), receipt.GasUsed)
	require.NotNil(t, client.sentTx)
	assert.Equal(t, uint64(7), client.sentTx.Nonce())
	assert.Equal(t, tokenContract, client.sentTx.To().Hex())
	assert.Equal(t, 0, client.sentTx.Value().Sign(), "ERC-20 transfer carries no native value")
}

func TestSendTokenFallsBackToDefaultGasLimit(t *testing.T) {
	client := &fakeClient{
		estimateErr: errors.New("execution reverted"),
		receipt:     &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)},
	}
	s := newTestSender(t, client)

	_, err := s.SendToken(context.Background(), "sk_1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "1")
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, client.sentTx.Gas())
}

func TestSendTokenRevertedTransaction(t *testing.T) {
	client := &fakeClient{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)},
	}
	s := newTestSender(t, client)

	_, err := s.SendToken(context.Background(), "sk_1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "1")
	require.Error(t, err)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "confirm", te.Op)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestSendTokenRejectsBadInputs(t *testing.T) {
	s := newTestSender(t, &fakeClient{})

	_, err := s.SendToken(context.Background(), "sk_1", "not-an-address", "1")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = s.SendToken(context.Background(), "sk_1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.SendToken(context.Background(), "sk_1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "-5")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSendTokenKeyProviderFailure(t *testing.T) {
	client := &fakeClient{}
	s, err := New(
		Config{RPCURL: "http://localhost:8545", ChainID: 84532, TokenContract: tokenContract},
		&fakeKeys{err: errors.New("key revoked")},
		slog.New(slog.DiscardHandler),
		WithClient(client),
	)
	require.NoError(t, err)

	_, err = s.SendToken(context.Background(), "sk_1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "1")
	require.Error(t, err)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "key", te.Op)
}

func TestWaitForConfirmationPollsUntilMined(t *testing.T) {
	client := &fakeClient{
		receiptErrs: 2,
		receipt:     &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 30000},
	}
	s := newTestSender(t, client)

	result, err := s.WaitForConfirmation(context.Background(), "0xabc", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), result.BlockNumber)
	assert.Equal(t, uint64(30000), result.GasUsed)
}

func TestBalanceOf(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(1_500_000)}
	s := newTestSender(t, client)

	got, err := s.BalanceOf(context.Background(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "")
	require.NoError(t, err)
	assert.Equal(t, "1.500000", got)

	_, err = s.BalanceOf(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     Config{RPCURL: "https://sepolia.base.org", ChainID: 84532, TokenContract: tokenContract},
			wantErr: false,
		},
		{
			name:    "missing RPC URL",
			cfg:     Config{ChainID: 84532, TokenContract: tokenContract},
			wantErr: true,
		},
		{
			name:    "missing chain ID",
			cfg:     Config{RPCURL: "https://sepolia.base.org", TokenContract: tokenContract},
			wantErr: true,
		},
		{
			name:    "bad token contract",
			cfg:     Config{RPCURL: "https://sepolia.base.org", ChainID: 84532, TokenContract: "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransferError(t *testing.T) {
	withHash := &TransferError{Op: "send", TxHash: "0xabc123", Err: errors.New("network error")}
	assert.Contains(t, withHash.Error(), "0xabc123")
	assert.True(t, errors.Is(withHash, withHash.Err))

	withoutHash := &TransferError{Op: "nonce", Err: errors.New("failed to get nonce")}
	assert.Contains(t, withoutHash.Error(), "nonce failed")
}
