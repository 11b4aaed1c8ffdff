package blocks

import (
	"context"
	"strings"
	"time"

	"github.com/mbirch/weft/internal/metrics"
	"github.com/mbirch/weft/internal/workflow"
)

var chainSendSchema = mustCompileSchema("chain_send", map[string]any{
	"type":     "object",
	"required": []any{"sessionKeyId", "toAddress", "amount"},
	"properties": map[string]any{
		"sessionKeyId": map[string]any{"type": "string", "minLength": 1},
		"toAddress":    map[string]any{"type": "string", "minLength": 1},
		"amount":       map[string]any{"type": "string", "minLength": 1},
		"token":        map[string]any{"type": "string"},
	},
})

// ChainSendHandler submits a session-key-gated token transfer. The session
// authority is consulted before signing and metered after the receipt.
type ChainSendHandler struct{}

func NewChainSendHandler() *ChainSendHandler { return &ChainSendHandler{} }

func (h *ChainSendHandler) Type() string { return "chain_send" }

func (h *ChainSendHandler) ValidateConfig(config map[string]any) error {
	return validateAgainst(chainSendSchema, config)
}

func (h *ChainSendHandler) Execute(ctx context.Context, node workflow.Node, ec *ExecContext) (map[string]any, error) {
	if ec.Services == nil || ec.Services.Sessions == nil || ec.Services.Sender == nil {
		return nil, E(KindConfigInvalid, "chain_send: session authority and chain sender must be wired")
	}

	keyID, _ := node.Config["sessionKeyId"].(string)
	toAddress, _ := node.Config["toAddress"].(string)
	amount, _ := node.Config["amount"].(string)

	valid, reasons, err := ec.Services.Sessions.Validate(ctx, keyID, "send", amount, toAddress)
	if err != nil {
		return nil, Wrap(KindInternal, err, "chain_send: session validation errored")
	}
	if !valid {
		metrics.ChainTransactionsTotal.WithLabelValues("denied").Inc()
		return nil, E(KindPolicyDenied, "chain_send: denied: %s", strings.Join(reasons, "; "))
	}

	ec.Logger.Info("chain_send submitting transfer",
		"session_key_id", keyID, "to", toAddress, "amount", amount)

	receipt, err := ec.Services.Sender.SendToken(ctx, keyID, toAddress, amount)
	if err != nil {
		metrics.ChainTransactionsTotal.WithLabelValues("failed").Inc()
		return nil, Wrap(KindOnChainError, err, "chain_send: transfer failed")
	}
	metrics.ChainTransactionsTotal.WithLabelValues("confirmed").Inc()

	// The transfer is on chain; a metering failure must not unwind it.
	if err := ec.Services.Sessions.RecordUsage(ctx, keyID, amount, toAddress, receipt.TxHash); err != nil {
		ec.Logger.Error("CRITICAL: chain_send transfer confirmed but usage not recorded",
			"session_key_id", keyID, "tx_hash", receipt.TxHash, "amount", amount, "error", err)
	}

	return map[string]any{
		"status":          "confirmed",
		"transactionHash": receipt.TxHash,
		"gasUsed":         receipt.GasUsed,
		"toAddress":       toAddress,
		"amount":          amount,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}, nil
}

var _ ConfigValidator = (*ChainSendHandler)(nil)
