// Package defi provides the protocol adapter behind the defi_position block:
// a port for concentrated-liquidity protocols plus a simulated adapter used
// in demo mode and tests.
package defi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbirch/weft/internal/amount"
	"github.com/mbirch/weft/internal/idgen"
)

var (
	ErrPositionNotFound = errors.New("defi: position not found")
	ErrPositionClosed   = errors.New("defi: position is closed")
	ErrInvalidParams    = errors.New("defi: invalid position parameters")
)

// PositionStatus tracks a liquidity position's lifecycle.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is one liquidity position on a protocol.
type Position struct {
	ID         string         `json:"id"`
	Protocol   string         `json:"protocol"`
	TokenA     string         `json:"tokenA"`
	TokenB     string         `json:"tokenB"`
	AmountA    string         `json:"amountA"`
	AmountB    string         `json:"amountB"`
	PriceLower string         `json:"priceLower"`
	PriceUpper string         `json:"priceUpper"`
	Status     PositionStatus `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Simulated is an in-memory protocol adapter. Every mutation returns a
// synthetic transaction hash and deterministic gas numbers so workflows can
// be exercised without touching a chain.
type Simulated struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewSimulated creates a simulated protocol adapter.
func NewSimulated() *Simulated {
	return &Simulated{positions: make(map[string]*Position)}
}

const (
	simCreateGas = uint64(450000)
	simAdjustGas = uint64(180000)
	simCloseGas  = uint64(120000)
)

func (s *Simulated) CreatePosition(_ context.Context, params map[string]any) (string, string, uint64, error) {
	pos := &Position{
		ID:         idgen.WithPrefix("pos_"),
		Protocol:   str(params, "protocol"),
		TokenA:     str(params, "tokenA"),
		TokenB:     str(params, "tokenB"),
		AmountA:    str(params, "amountA"),
		AmountB:    str(params, "amountB"),
		PriceLower: str(params, "priceLower"),
		PriceUpper: str(params, "priceUpper"),
		Status:     PositionOpen,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if pos.TokenA == "" || pos.TokenB == "" {
		return "", "", 0, fmt.Errorf("%w: both tokens required", ErrInvalidParams)
	}
	for _, field := range []string{"amountA", "amountB"} {
		if _, ok := amount.Parse(str(params, field)); !ok {
			return "", "", 0, fmt.Errorf("%w: bad %s", ErrInvalidParams, field)
		}
	}

	s.mu.Lock()
	s.positions[pos.ID] = pos
	s.mu.Unlock()

	return pos.ID, simTxHash(), simCreateGas, nil
}

func (s *Simulated) AdjustPosition(_ context.Context, positionID string, params map[string]any) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return "", 0, ErrPositionNotFound
	}
	if pos.Status == PositionClosed {
		return "", 0, ErrPositionClosed
	}

	if v := str(params, "amountA"); v != "" {
		pos.AmountA = v
	}
	if v := str(params, "amountB"); v != "" {
		pos.AmountB = v
	}
	if v := str(params, "priceLower"); v != "" {
		pos.PriceLower = v
	}
	if v := str(params, "priceUpper"); v != "" {
		pos.PriceUpper = v
	}
	pos.UpdatedAt = time.Now().UTC()

	return simTxHash(), simAdjustGas, nil
}

func (s *Simulated) ClosePosition(_ context.Context, positionID string) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return "", 0, ErrPositionNotFound
	}
	if pos.Status == PositionClosed {
		return "", 0, ErrPositionClosed
	}
	pos.Status = PositionClosed
	pos.UpdatedAt = time.Now().UTC()

	return simTxHash(), simCloseGas, nil
}

func (s *Simulated) PositionInfo(_ context.Context, positionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return nil, ErrPositionNotFound
	}

	return map[string]any{
		"id":         pos.ID,
		"protocol":   pos.Protocol,
		"tokenA":     pos.TokenA,
		"tokenB":     pos.TokenB,
		"amountA":    pos.AmountA,
		"amountB":    pos.AmountB,
		"priceLower": pos.PriceLower,
		"priceUpper": pos.PriceUpper,
		"status":     string(pos.Status),
		"createdAt":  pos.CreatedAt.Format(time.RFC3339),
	}, nil
}

func simTxHash() string {
	return "0x" + idgen.Hex(32)
}

func str(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
