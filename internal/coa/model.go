package coa

import "time"

// AccountCategory enumerates chart of accounts partitions.
type AccountCategory string

const (
	CategoryAsset     AccountCategory = "ASSET"
	CategoryLiability AccountCategory = "LIABILITY"
	CategoryEquity    AccountCategory = "EQUITY"
	CategoryRevenue   AccountCategory = "REVENUE"
	CategoryExpense   AccountCategory = "EXPENSE"
)

// Account models a chart of accounts node. The core consults accounts,
// it never mutates them.
type Account struct {
	Code      string
	Name      string
	Category  AccountCategory
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
