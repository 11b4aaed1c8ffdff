// Package wallet handles on-chain token transfers signed with delegated
// session keys.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbirch/weft/internal/amount"
	"github.com/mbirch/weft/internal/blocks"
)

var (
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// KeyProvider resolves the decrypted signing key for a session key ID.
// Implemented by the sessionkeys authority.
type KeyProvider interface {
	SigningKey(ctx context.Context, sessionKeyID string) (*ecdsa.PrivateKey, error)
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a sender
type Config struct {
	RPCURL        string
	ChainID       int64
	TokenContract string // ERC-20 the platform settles in
}

// Option configures the sender
type Option func(*Sender)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(s *Sender) {
		s.client = client
	}
}

// WithConfirmationTimeout overrides the receipt wait deadline.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(s *Sender) {
		s.confirmTimeout = d
	}
}

// Sender submits session-key-signed ERC-20 transfers and waits for receipts.
type Sender struct {
	client         EthClient
	keys           KeyProvider
	chainID        *big.Int
	tokenContract  common.Address
	tokenABI       abi.ABI
	confirmTimeout time.Duration
	logger         *slog.Logger
}

var _ blocks.ChainSender = (*Sender)(nil)
var _ blocks.BalanceReader = (*Sender)(nil)

// New creates a Sender.
func New(cfg Config, keys KeyProvider, logger *slog.Logger, opts ...Option) (*Sender, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	s := &Sender{
		keys:           keys,
		chainID:        big.NewInt(cfg.ChainID),
		tokenContract:  common.HexToAddress(cfg.TokenContract),
		tokenABI:       parsedABI,
		confirmTimeout: DefaultConfirmationTimeout,
		logger:         logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}

	return s, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.ChainID == 0 {
		return errors.New("wallet: chain ID required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return fmt.Errorf("%w: token contract %q", ErrInvalidAddress, cfg.TokenContract)
	}
	return nil
}

// SendToken submits an ERC-20 transfer signed with the session key and waits
// for the receipt. The amount is a human-readable decimal string.
func (s *Sender) SendToken(ctx context.Context, sessionKeyID, toAddress, amountStr string) (*blocks.SendReceipt, error) {
	if !common.IsHexAddress(toAddress) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, toAddress)
	}
	raw, ok := amount.Parse(amountStr)
	if !ok || raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amountStr)
	}

	key, err := s.keys.SigningKey(ctx, sessionKeyID)
	if err != nil {
		return nil, &TransferError{Op: "key", Err: err}
	}
	fromAddr := crypto.PubkeyToAddress(key.PublicKey)

	result, err := s.transfer(ctx, key, fromAddr, common.HexToAddress(toAddress), raw)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer submitted",
		"session_key_id", sessionKeyID, "tx_hash", result.TxHash, "amount", amountStr)

	confirmed, err := s.WaitForConfirmation(ctx, result.TxHash, s.confirmTimeout)
	if err != nil {
		return nil, err
	}

	return &blocks.SendReceipt{TxHash: confirmed.TxHash, GasUsed: confirmed.GasUsed}, nil
}

// TransferResult contains details of a submitted or confirmed transfer
type TransferResult struct {
	TxHash      string
	From        string
	To          string
	Amount      string
	AmountRaw   *big.Int
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

func (s *Sender) transfer(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, raw *big.Int) (*TransferResult, error) {
	data, err := s.tokenABI.Pack("transfer", to, raw)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &s.tokenContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, s.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), key)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash:    signedTx.Hash().Hex(),
		From:      from.Hex(),
		To:        to.Hex(),
		Amount:    amount.Format(raw),
		AmountRaw: raw,
		Nonce:     nonce,
	}, nil
}

// WaitForConfirmation polls for a transaction receipt until it lands or the
// timeout elapses.
func (s *Sender) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &TransferError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				}
			}

			return &TransferResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// BalanceOf reads an ERC-20 balance and returns it as a decimal string.
// An empty token falls back to the configured settlement token.
func (s *Sender) BalanceOf(ctx context.Context, walletAddr, token string) (string, error) {
	if !common.IsHexAddress(walletAddr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, walletAddr)
	}
	contract := s.tokenContract
	if token != "" && common.IsHexAddress(token) {
		contract = common.HexToAddress(token)
	}

	data, err := s.tokenABI.Pack("balanceOf", common.HexToAddress(walletAddr))
	if err != nil {
		return "", fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := s.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int).SetBytes(result)
	return amount.Format(balance), nil
}

// Close closes the client connection
func (s *Sender) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
