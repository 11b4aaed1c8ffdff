// Package blocks defines the handler contract for workflow nodes and the
// registry the engine dispatches through. Each block type validates its
// config against a JSON schema before execution.
package blocks

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mbirch/weft/internal/template"
	"github.com/mbirch/weft/internal/workflow"
)

// ExecContext carries everything a handler can see about the surrounding
// execution: identity, the execution's input data, and the outputs of all
// completed ancestors keyed by node ID.
type ExecContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	Data        map[string]any
	Outputs     *template.OrderedOutputs
	Vars        map[string]any
	Services    *Services
	Logger      *slog.Logger
}

// SessionAuthority gates operations on a delegated session key. Implemented
// by the sessionkeys package; declared here so blocks stays decoupled.
type SessionAuthority interface {
	Validate(ctx context.Context, keyID, operation, amount, toAddress string) (valid bool, reasons []string, err error)
	RecordUsage(ctx context.Context, keyID, amount, toAddress, txHash string) error
}

// SendReceipt reports a confirmed token transfer.
type SendReceipt struct {
	TxHash  string
	GasUsed uint64
}

// ChainSender submits a session-key-signed token transfer and waits for the
// receipt. Implemented by the wallet package.
type ChainSender interface {
	SendToken(ctx context.Context, sessionKeyID, toAddress, amount string) (*SendReceipt, error)
}

// AgentRunner executes an AI reasoning loop. Implemented by the agent package.
type AgentRunner interface {
	RunLoop(ctx context.Context, prompt, systemPrompt string, tools []string, maxSteps int) (map[string]any, error)
}

// ProtocolAdapter manages liquidity positions on an external protocol.
// Implemented by the defi package.
type ProtocolAdapter interface {
	CreatePosition(ctx context.Context, params map[string]any) (positionID, txHash string, gasUsed uint64, err error)
	AdjustPosition(ctx context.Context, positionID string, params map[string]any) (txHash string, gasUsed uint64, err error)
	ClosePosition(ctx context.Context, positionID string) (txHash string, gasUsed uint64, err error)
	PositionInfo(ctx context.Context, positionID string) (map[string]any, error)
}

// BalanceReader reads token balances for a wallet address.
type BalanceReader interface {
	BalanceOf(ctx context.Context, walletAddr, token string) (string, error)
}

// Services bundles the external capabilities handlers may use. Nil fields
// mean the capability is not wired; handlers needing one fail with
// KindConfigInvalid.
type Services struct {
	Sessions SessionAuthority
	Sender   ChainSender
	Agent    AgentRunner
	Protocol ProtocolAdapter
	Balances BalanceReader
}

// Handler executes one block type. Execute receives the node with its config
// already template-resolved.
type Handler interface {
	Type() string
	Execute(ctx context.Context, node workflow.Node, ec *ExecContext) (map[string]any, error)
}

// ConfigValidator is implemented by handlers that check their config against
// a schema before dispatch.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Registry maps block types to handlers. Built once at startup; reads after
// that are unsynchronized.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a duplicate type panics; that is a
// wiring bug, not a runtime condition.
func (r *Registry) Register(h Handler) {
	if _, exists := r.handlers[h.Type()]; exists {
		panic("blocks: duplicate handler for type " + h.Type())
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler for a block type.
func (r *Registry) Get(blockType string) (Handler, error) {
	h, ok := r.handlers[blockType]
	if !ok {
		return nil, E(KindConfigInvalid, "unknown block type %q", blockType)
	}
	return h, nil
}

// Types returns the registered block types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
