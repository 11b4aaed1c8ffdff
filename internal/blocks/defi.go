package blocks

import (
	"context"
	"time"

	"github.com/mbirch/weft/internal/workflow"
)

const (
	defaultSlippagePct     = 1.0
	defaultDeadlineMinutes = 30
)

var defiSchema = mustCompileSchema("defi_position", map[string]any{
	"type":     "object",
	"required": []any{"protocol", "action"},
	"properties": map[string]any{
		"protocol": map[string]any{"type": "string", "minLength": 1},
		"action": map[string]any{
			"type": "string",
			"enum": []any{"create", "adjust", "close", "monitor"},
		},
		"tokenA":     map[string]any{"type": "string"},
		"tokenB":     map[string]any{"type": "string"},
		"amountA":    map[string]any{"type": "string"},
		"amountB":    map[string]any{"type": "string"},
		"priceLower": map[string]any{"type": "string"},
		"priceUpper": map[string]any{"type": "string"},
		"slippage":   map[string]any{"type": "number", "minimum": 0.0},
		"walletId":   map[string]any{"type": "string"},
		"deadline":   map[string]any{"type": "integer", "minimum": 1.0},
		"positionId": map[string]any{"type": "string"},
	},
})

// DefiPositionHandler manages liquidity positions through the wired protocol
// adapter, reading wallet balances before and after any mutation.
type DefiPositionHandler struct{}

func NewDefiPositionHandler() *DefiPositionHandler { return &DefiPositionHandler{} }

func (h *DefiPositionHandler) Type() string { return "defi_position" }

func (h *DefiPositionHandler) ValidateConfig(config map[string]any) error {
	if err := validateAgainst(defiSchema, config); err != nil {
		return err
	}

	action, _ := config["action"].(string)
	switch action {
	case "create":
		for _, field := range []string{"tokenA", "tokenB", "amountA", "amountB", "priceLower", "priceUpper"} {
			if s, _ := config[field].(string); s == "" {
				return E(KindConfigInvalid, "defi_position: create requires %s", field)
			}
		}
	case "adjust", "close", "monitor":
		if s, _ := config["positionId"].(string); s == "" {
			return E(KindConfigInvalid, "defi_position: %s requires positionId", action)
		}
	}
	return nil
}

func (h *DefiPositionHandler) Execute(ctx context.Context, node workflow.Node, ec *ExecContext) (map[string]any, error) {
	if ec.Services == nil || ec.Services.Protocol == nil {
		return nil, E(KindConfigInvalid, "defi_position: protocol adapter not wired")
	}
	if err := h.ValidateConfig(node.Config); err != nil {
		return nil, err
	}

	action, _ := node.Config["action"].(string)
	positionID, _ := node.Config["positionId"].(string)

	// Monitor is a pure read.
	if action == "monitor" {
		info, err := ec.Services.Protocol.PositionInfo(ctx, positionID)
		if err != nil {
			return nil, Wrap(KindOnChainError, err, "defi_position: position read failed")
		}
		return map[string]any{
			"action":     action,
			"positionId": positionID,
			"position":   info,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}, nil
	}

	params := h.adapterParams(node.Config)
	balancesBefore := h.readBalances(ctx, ec, node.Config)

	ec.Logger.Info("defi_position submitting", "action", action, "protocol", node.Config["protocol"])

	var (
		txHash  string
		gasUsed uint64
		err     error
	)
	switch action {
	case "create":
		positionID, txHash, gasUsed, err = ec.Services.Protocol.CreatePosition(ctx, params)
	case "adjust":
		txHash, gasUsed, err = ec.Services.Protocol.AdjustPosition(ctx, positionID, params)
	case "close":
		txHash, gasUsed, err = ec.Services.Protocol.ClosePosition(ctx, positionID)
	}
	if err != nil {
		return nil, Wrap(KindOnChainError, err, "defi_position: %s failed", action)
	}

	balancesAfter := h.readBalances(ctx, ec, node.Config)

	return map[string]any{
		"action":     action,
		"positionId": positionID,
		"amounts": map[string]any{
			"amountA": node.Config["amountA"],
			"amountB": node.Config["amountB"],
		},
		"balancesBefore":  balancesBefore,
		"balancesAfter":   balancesAfter,
		"transactionHash": txHash,
		"gasUsed":         gasUsed,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *DefiPositionHandler) adapterParams(config map[string]any) map[string]any {
	params := map[string]any{
		"protocol": config["protocol"],
		"tokenA":   config["tokenA"],
		"tokenB":   config["tokenB"],
		"amountA":  config["amountA"],
		"amountB":  config["amountB"],
		"slippage": defaultSlippagePct,
		"deadline": defaultDeadlineMinutes,
	}
	if v, ok := config["slippage"].(float64); ok {
		params["slippage"] = v
	}
	if v := intConfig(config, "deadline", 0); v > 0 {
		params["deadline"] = v
	}
	if v, _ := config["priceLower"].(string); v != "" {
		params["priceLower"] = v
	}
	if v, _ := config["priceUpper"].(string); v != "" {
		params["priceUpper"] = v
	}
	return params
}

// readBalances is best-effort context for the output; a read failure is
// logged, not fatal.
func (h *DefiPositionHandler) readBalances(ctx context.Context, ec *ExecContext, config map[string]any) map[string]any {
	walletID, _ := config["walletId"].(string)
	if ec.Services.Balances == nil || walletID == "" {
		return nil
	}

	balances := map[string]any{}
	for _, field := range []string{"tokenA", "tokenB"} {
		token, _ := config[field].(string)
		if token == "" {
			continue
		}
		bal, err := ec.Services.Balances.BalanceOf(ctx, walletID, token)
		if err != nil {
			ec.Logger.Warn("defi_position balance read failed", "token", token, "error", err)
			continue
		}
		balances[token] = bal
	}
	if len(balances) == 0 {
		return nil
	}
	return balances
}

var _ ConfigValidator = (*DefiPositionHandler)(nil)
