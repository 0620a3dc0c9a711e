package ledger

import (
	"context"
	"testing"

	"github.com/exchange/margin/pkg/errs"
)

func TestConvertLockToHolding(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 100000)
	l.Lock(ctx, "u1", 50000)

	if err := l.ConvertLockToHolding(ctx, "u1", "BTCUSDT", 50000, 0.5); err != nil {
		t.Fatalf("convert: %v", err)
	}

	acc, _ := l.GetAccount(ctx, "u1")
	if acc.CashBalance != 50000 || acc.LockedMargin != 0 {
		t.Fatalf("cash=%d locked=%d, want 50000/0", acc.CashBalance, acc.LockedMargin)
	}
	if acc.SpotHoldings["BTCUSDT"] != 0.5 {
		t.Fatalf("holdings=%v", acc.SpotHoldings)
	}
}

func TestSellHolding(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 0)
	l.WithAccount(ctx, "u1", func(acc *Account) error {
		acc.SpotHoldings["BTCUSDT"] = 1.0
		return nil
	})

	if err := l.SellHolding(ctx, "u1", "BTCUSDT", 0.4, 40000); err != nil {
		t.Fatalf("sell: %v", err)
	}
	acc, _ := l.GetAccount(ctx, "u1")
	if acc.CashBalance != 40000 {
		t.Fatalf("cash=%d, want 40000", acc.CashBalance)
	}
	if got := acc.SpotHoldings["BTCUSDT"]; got < 0.6-1e-9 || got > 0.6+1e-9 {
		t.Fatalf("holdings=%v, want 0.6", got)
	}
}

func TestSellHolding_Insufficient(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 0)
	l.WithAccount(ctx, "u1", func(acc *Account) error {
		acc.SpotHoldings["BTCUSDT"] = 0.3
		return nil
	})

	err := l.SellHolding(ctx, "u1", "BTCUSDT", 0.5, 50000)
	if !errs.Is(err, errs.CodeInsufficientAssetBalance) {
		t.Fatalf("err=%v, want INSUFFICIENT_ASSET_BALANCE", err)
	}

	// 失败不得有余额变动
	acc, _ := l.GetAccount(ctx, "u1")
	if acc.CashBalance != 0 || acc.SpotHoldings["BTCUSDT"] != 0.3 {
		t.Fatalf("mutated on failed sell: %+v", acc)
	}
}

func TestOpenPosition_MergeSameSide(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 0)

	if err := l.OpenPosition(ctx, "u1", "BTCUSDT", "buy", 1.0, 10, 10000, 1000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.OpenPosition(ctx, "u1", "BTCUSDT", "buy", 1.0, 10, 12000, 1200); err != nil {
		t.Fatalf("add: %v", err)
	}

	acc, _ := l.GetAccount(ctx, "u1")
	pos := acc.Positions["BTCUSDT"]
	if pos == nil {
		t.Fatal("missing position")
	}
	if pos.Quantity != 2.0 || pos.Margin != 2200 {
		t.Fatalf("qty=%v margin=%d", pos.Quantity, pos.Margin)
	}
	if pos.EntryPrice != 11000 {
		t.Fatalf("entry=%d, want weighted 11000", pos.EntryPrice)
	}
}

func TestOpenPosition_OppositeSideRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 0)
	l.OpenPosition(ctx, "u1", "BTCUSDT", "buy", 1.0, 10, 10000, 1000)

	err := l.OpenPosition(ctx, "u1", "BTCUSDT", "sell", 1.0, 10, 10000, 1000)
	if !errs.Is(err, errs.CodeInvalidInput) {
		t.Fatalf("err=%v, want INVALID_INPUT", err)
	}
}

func TestSettlePosition(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 10000)
	l.Lock(ctx, "u1", 1000)
	l.OpenPosition(ctx, "u1", "BTCUSDT", "buy", 1.0, 10, 10000, 1000)

	// 盈利 500 平仓
	if err := l.SettlePosition(ctx, "u1", "BTCUSDT", 1000, 500, 1.0); err != nil {
		t.Fatalf("settle: %v", err)
	}

	acc, _ := l.GetAccount(ctx, "u1")
	if acc.CashBalance != 10500 || acc.LockedMargin != 0 {
		t.Fatalf("cash=%d locked=%d, want 10500/0", acc.CashBalance, acc.LockedMargin)
	}
	if _, ok := acc.Positions["BTCUSDT"]; ok {
		t.Fatal("position should be removed at zero quantity")
	}
}

func TestSettlePosition_LossClampsAtZero(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CreateAccount(ctx, "u1", 1000)
	l.Lock(ctx, "u1", 1000)
	l.OpenPosition(ctx, "u1", "BTCUSDT", "buy", 1.0, 10, 10000, 1000)

	// 亏损超过保证金：现金钳制在 0
	if err := l.SettlePosition(ctx, "u1", "BTCUSDT", 1000, -5000, 1.0); err != nil {
		t.Fatalf("settle: %v", err)
	}
	acc, _ := l.GetAccount(ctx, "u1")
	if acc.CashBalance != 0 || acc.LockedMargin != 0 {
		t.Fatalf("cash=%d locked=%d, want 0/0", acc.CashBalance, acc.LockedMargin)
	}
}
