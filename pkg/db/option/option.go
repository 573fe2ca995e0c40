package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it is executed.
type QueryOption func(tx *gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(c Condition) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		column := sort.SortBy
		if column == "" {
			column = "created_at"
		}
		if sort.Allow != nil && !sort.Allow[column] {
			return tx
		}

		direction := "ASC"
		if strings.EqualFold(sort.OrderBy, "desc") {
			direction = "DESC"
		}

		return tx.Order(fmt.Sprintf("%s %s", column, direction))
	}
}

func WithLimit(limit int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return tx
		}
		return tx.Limit(limit)
	}
}

func WithOffset(offset int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return tx
		}
		return tx.Offset(offset)
	}
}

// LockingUpdate is a gorm scope enabling SELECT ... FOR UPDATE on every
// query in the transaction it is applied to.
func LockingUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return LockingUpdate(tx)
	}
}
