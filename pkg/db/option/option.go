// Package option provides composable query options for the generic repository.
package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type Operator string

const (
	EQ  Operator = "="
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

type conditionOption struct {
	cond Condition
}

func (o conditionOption) Apply(db *gorm.DB) *gorm.DB {
	field := strings.TrimSpace(o.cond.Field)
	if field == "" {
		return db
	}
	return db.Where(fmt.Sprintf("%s %s ?", field, o.cond.Operator), o.cond.Value)
}

// ApplyOperator adds a field/operator/value predicate to the query.
func ApplyOperator(cond Condition) QueryOption {
	return conditionOption{cond: cond}
}

type QuerySortBy struct {
	Field string
	Desc  bool
	Allow map[string]bool
}

type sortOption struct {
	sort QuerySortBy
}

func (o sortOption) Apply(db *gorm.DB) *gorm.DB {
	field := strings.TrimSpace(o.sort.Field)
	if field == "" {
		field = "created_at"
	}
	if len(o.sort.Allow) > 0 && !o.sort.Allow[field] {
		return db
	}
	direction := "ASC"
	if o.sort.Desc {
		direction = "DESC"
	}
	return db.Order(fmt.Sprintf("%s %s", field, direction))
}

// WithSortBy orders the result set by an allow-listed column.
func WithSortBy(sort QuerySortBy) QueryOption {
	return sortOption{sort: sort}
}

type limitOption struct {
	limit int
}

func (o limitOption) Apply(db *gorm.DB) *gorm.DB {
	if o.limit <= 0 {
		return db
	}
	return db.Limit(o.limit)
}

// WithLimit caps the number of returned rows.
func WithLimit(limit int) QueryOption {
	return limitOption{limit: limit}
}
