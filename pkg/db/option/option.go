package option

import (
	"strings"

	"marketplace-settlement/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption is a gorm scope applied by the repository before executing a query.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "eq"
	NEQ Operator = "neq"
	GT  Operator = "gt"
	GTE Operator = "gte"
	LT  Operator = "lt"
	LTE Operator = "lte"
	IN  Operator = "in"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a single comparison on a column. Column names go through
// clause.Column so they are quoted by the dialect.
func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		col := clause.Column{Name: c.Field}
		switch c.Operator {
		case NEQ:
			return db.Where(clause.Neq{Column: col, Value: c.Value})
		case GT:
			return db.Where(clause.Gt{Column: col, Value: c.Value})
		case GTE:
			return db.Where(clause.Gte{Column: col, Value: c.Value})
		case LT:
			return db.Where(clause.Lt{Column: col, Value: c.Value})
		case LTE:
			return db.Where(clause.Lte{Column: col, Value: c.Value})
		case IN:
			values, ok := c.Value.([]any)
			if !ok {
				values = []any{c.Value}
			}
			return db.Where(clause.IN{Column: col, Values: values})
		default:
			return db.Where(clause.Eq{Column: col, Value: c.Value})
		}
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy (default created_at). When Allow is set, a
// column outside it falls back to the default.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" || (s.Allow != nil && !s.Allow[column]) {
			column = "created_at"
		}
		desc := strings.EqualFold(s.OrderBy, "DESC")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyPagination fetches one row past the limit so callers can tell
// whether another page exists. The cursor is the last id already seen.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = pagination.DefaultLimit
		}
		if limit > pagination.MaxLimit {
			limit = pagination.MaxLimit
		}

		if p.Cursor != "" {
			if cursor, err := pagination.DecodeCursor(p.Cursor); err == nil && cursor.ID != "" {
				db = db.Where(clause.Gt{Column: clause.Column{Name: "id"}, Value: cursor.ID})
			}
		}

		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}}).Limit(limit + 1)
	}
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// LockingUpdate adds SELECT ... FOR UPDATE. The sqlite dialect drops the clause.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
