package defi

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func createParams() map[string]any {
	return map[string]any{
		"protocol":   "aerodrome",
		"tokenA":     "USDC",
		"tokenB":     "WETH",
		"amountA":    "50",
		"amountB":    "1",
		"priceLower": "1500",
		"priceUpper": "2500",
	}
}

func TestSimulatedLifecycle(t *testing.T) {
	s := NewSimulated()
	ctx := context.Background()

	posID, txHash, gas, err := s.CreatePosition(ctx, createParams())
	if err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}
	if !strings.HasPrefix(posID, "pos_") {
		t.Errorf("position id %q missing prefix", posID)
	}
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 66 {
		t.Errorf("tx hash %q is not a 32-byte hash", txHash)
	}
	if gas == 0 {
		t.Error("create must report gas")
	}

	info, err := s.PositionInfo(ctx, posID)
	if err != nil {
		t.Fatalf("PositionInfo failed: %v", err)
	}
	if info["status"] != "open" || info["amountA"] != "50" {
		t.Errorf("unexpected position info: %v", info)
	}

	if _, _, err := s.AdjustPosition(ctx, posID, map[string]any{"amountA": "75"}); err != nil {
		t.Fatalf("AdjustPosition failed: %v", err)
	}
	info, _ = s.PositionInfo(ctx, posID)
	if info["amountA"] != "75" {
		t.Errorf("adjust did not apply: %v", info["amountA"])
	}
	if info["amountB"] != "1" {
		t.Errorf("adjust must leave other fields alone: %v", info["amountB"])
	}

	if _, _, err := s.ClosePosition(ctx, posID); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	info, _ = s.PositionInfo(ctx, posID)
	if info["status"] != "closed" {
		t.Errorf("status after close = %v, want closed", info["status"])
	}

	if _, _, err := s.AdjustPosition(ctx, posID, nil); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("adjust on closed position error = %v, want ErrPositionClosed", err)
	}
	if _, _, err := s.ClosePosition(ctx, posID); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("double close error = %v, want ErrPositionClosed", err)
	}
}

func TestSimulatedUnknownPosition(t *testing.T) {
	s := NewSimulated()
	ctx := context.Background()

	if _, err := s.PositionInfo(ctx, "pos_missing"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("PositionInfo error = %v, want ErrPositionNotFound", err)
	}
	if _, _, err := s.AdjustPosition(ctx, "pos_missing", nil); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("AdjustPosition error = %v, want ErrPositionNotFound", err)
	}
}

func TestSimulatedRejectsBadParams(t *testing.T) {
	s := NewSimulated()
	ctx := context.Background()

	params := createParams()
	delete(params, "tokenB")
	if _, _, _, err := s.CreatePosition(ctx, params); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("missing token error = %v, want ErrInvalidParams", err)
	}

	params = createParams()
	params["amountA"] = "-5"
	if _, _, _, err := s.CreatePosition(ctx, params); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("negative amount error = %v, want ErrInvalidParams", err)
	}
}
