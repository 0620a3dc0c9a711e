// Package catalog 资产目录与账户种子
//
// 关系库只在启动时读一次：跟踪哪些市场、给哪些账户预置余额。
// 运行期状态全部在状态存储里，这里不参与热路径。
package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Asset 可交易资产
type Asset struct {
	Symbol string
	Name   string
	ImgURL string
}

// SeedAccount 预置账户
type SeedAccount struct {
	UserID      string
	CashBalance int64
}

// Catalog 目录仓储
type Catalog struct {
	db *sql.DB
}

// New 创建目录仓储
func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// ListAssets 列出全部可交易资产
func (c *Catalog) ListAssets(ctx context.Context) ([]*Asset, error) {
	query := `
		SELECT symbol, name, img_url
		FROM assets
		ORDER BY symbol
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a := &Asset{}
		if err := rows.Scan(&a.Symbol, &a.Name, &a.ImgURL); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ListSeedAccounts 列出预置账户
func (c *Catalog) ListSeedAccounts(ctx context.Context) ([]*SeedAccount, error) {
	query := `
		SELECT user_id, cash_balance
		FROM seed_accounts
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list seed accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*SeedAccount
	for rows.Next() {
		a := &SeedAccount{}
		if err := rows.Scan(&a.UserID, &a.CashBalance); err != nil {
			return nil, fmt.Errorf("scan seed account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// AccountSeeder 账户初始化目标
type AccountSeeder interface {
	CreateAccount(ctx context.Context, userID string, cash int64) error
}

// SeedAccounts 把预置账户灌入台账；已存在的账户由台账跳过
func (c *Catalog) SeedAccounts(ctx context.Context, seeder AccountSeeder) (int, error) {
	accounts, err := c.ListSeedAccounts(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if err := seeder.CreateAccount(ctx, a.UserID, a.CashBalance); err != nil {
			return 0, fmt.Errorf("seed account %s: %w", a.UserID, err)
		}
	}
	return len(accounts), nil
}
