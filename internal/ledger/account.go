package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Position 杠杆持仓
type Position struct {
	Side       string  `json:"side"` // buy/sell
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`
	EntryPrice int64   `json:"entryPrice"` // 最小单位整数
	Margin     int64   `json:"margin"`     // 已锁定保证金
}

// Account 账户
//
// 金额均为最小单位整数。SpotHoldings 与 Positions 缺省即为空 map，
// 不使用哨兵值。
type Account struct {
	UserID       string
	CashBalance  int64
	LockedMargin int64
	SpotHoldings map[string]float64
	Positions    map[string]*Position
	Version      int64
	UpdatedAtMs  int64
}

// NewAccount 创建空账户
func NewAccount(userID string, cash int64) *Account {
	return &Account{
		UserID:       userID,
		CashBalance:  cash,
		SpotHoldings: make(map[string]float64),
		Positions:    make(map[string]*Position),
	}
}

// Redis hash 字段名
const (
	fieldCashBalance  = "cash_balance"
	fieldLockedMargin = "locked_margin"
	fieldSpotHoldings = "spot_holdings"
	fieldPositions    = "positions"
	fieldVersion      = "version"
	fieldUpdatedAtMs  = "updated_at_ms"
)

// toFields 序列化为 hash 字段（标量 + JSON 子字段）
func (a *Account) toFields() (map[string]interface{}, error) {
	holdings, err := json.Marshal(a.SpotHoldings)
	if err != nil {
		return nil, fmt.Errorf("marshal spot holdings: %w", err)
	}
	positions, err := json.Marshal(a.Positions)
	if err != nil {
		return nil, fmt.Errorf("marshal positions: %w", err)
	}
	return map[string]interface{}{
		fieldCashBalance:  strconv.FormatInt(a.CashBalance, 10),
		fieldLockedMargin: strconv.FormatInt(a.LockedMargin, 10),
		fieldSpotHoldings: string(holdings),
		fieldPositions:    string(positions),
		fieldVersion:      strconv.FormatInt(a.Version, 10),
		fieldUpdatedAtMs:  strconv.FormatInt(a.UpdatedAtMs, 10),
	}, nil
}

// accountFromFields 从 hash 字段还原
func accountFromFields(userID string, fields map[string]string) (*Account, error) {
	acc := NewAccount(userID, 0)

	var err error
	if acc.CashBalance, err = parseIntField(fields, fieldCashBalance); err != nil {
		return nil, err
	}
	if acc.LockedMargin, err = parseIntField(fields, fieldLockedMargin); err != nil {
		return nil, err
	}
	if acc.Version, err = parseIntField(fields, fieldVersion); err != nil {
		return nil, err
	}
	if acc.UpdatedAtMs, err = parseIntField(fields, fieldUpdatedAtMs); err != nil {
		return nil, err
	}

	if raw := fields[fieldSpotHoldings]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &acc.SpotHoldings); err != nil {
			return nil, fmt.Errorf("unmarshal spot holdings: %w", err)
		}
	}
	if raw := fields[fieldPositions]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &acc.Positions); err != nil {
			return nil, fmt.Errorf("unmarshal positions: %w", err)
		}
	}
	if acc.SpotHoldings == nil {
		acc.SpotHoldings = make(map[string]float64)
	}
	if acc.Positions == nil {
		acc.Positions = make(map[string]*Position)
	}
	return acc, nil
}

func parseIntField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
