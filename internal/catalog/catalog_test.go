package catalog

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestListAssets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	query := regexp.QuoteMeta(`
		SELECT symbol, name, img_url
		FROM assets
		ORDER BY symbol
	`)
	mock.ExpectQuery(query).WillReturnRows(
		sqlmock.NewRows([]string{"symbol", "name", "img_url"}).
			AddRow("BTCUSDT", "BTC-USD", "https://example.com/btc.png").
			AddRow("ETHUSDT", "ETH-USD", "https://example.com/eth.png"),
	)

	assets, err := New(db).ListAssets(context.Background())
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("len=%d, want 2", len(assets))
	}
	if assets[0].Symbol != "BTCUSDT" || assets[0].Name != "BTC-USD" {
		t.Fatalf("asset=%+v", assets[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

type seederFunc func(ctx context.Context, userID string, cash int64) error

func (f seederFunc) CreateAccount(ctx context.Context, userID string, cash int64) error {
	return f(ctx, userID, cash)
}

func TestSeedAccounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	query := regexp.QuoteMeta(`
		SELECT user_id, cash_balance
		FROM seed_accounts
	`)
	mock.ExpectQuery(query).WillReturnRows(
		sqlmock.NewRows([]string{"user_id", "cash_balance"}).
			AddRow("u1", int64(1000000)).
			AddRow("u2", int64(500000)),
	)

	seeded := map[string]int64{}
	n, err := New(db).SeedAccounts(context.Background(), seederFunc(func(_ context.Context, userID string, cash int64) error {
		seeded[userID] = cash
		return nil
	}))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 2 || seeded["u1"] != 1000000 || seeded["u2"] != 500000 {
		t.Fatalf("n=%d seeded=%v", n, seeded)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSeedAccounts_SeederError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	query := regexp.QuoteMeta(`
		SELECT user_id, cash_balance
		FROM seed_accounts
	`)
	mock.ExpectQuery(query).WillReturnRows(
		sqlmock.NewRows([]string{"user_id", "cash_balance"}).AddRow("u1", int64(100)),
	)

	wantErr := errors.New("ledger down")
	_, err = New(db).SeedAccounts(context.Background(), seederFunc(func(_ context.Context, _ string, _ int64) error {
		return wantErr
	}))
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("err=%v, want wrapped %v", err, wantErr)
	}
}
