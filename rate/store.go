package rate

import "context"

type Store interface {
	UpsertOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, operatorID string) (*Operator, error)
	ListOperators(ctx context.Context, opts ListOpts) ([]*Operator, error)
	SetOperatorActive(ctx context.Context, operatorID string, active bool) error
}

type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
