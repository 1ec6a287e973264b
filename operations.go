package celldb

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// OperationKind tags a QueryOperation on the wire.
type OperationKind string

const (
	OperationFilter    OperationKind = "filter"
	OperationSort      OperationKind = "sort"
	OperationJoin      OperationKind = "join"
	OperationAggregate OperationKind = "aggregate"
	OperationLimit     OperationKind = "limit"
)

// QueryOperation is one step of a plan. The set of implementations is closed.
type QueryOperation interface {
	Kind() OperationKind
	Validate() error
	isQueryOperation()
}

// FilterOperation restricts records with an expression; it is pushed down to cells.
type FilterOperation struct {
	Expression string `json:"expression"`
}

// SortOperation orders merged records by a field.
type SortOperation struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// JoinOperation inner-joins the per-cell result sets on a field.
type JoinOperation struct {
	Field string `json:"field"`
}

// AggregateFunction names the reduction an AggregateOperation performs.
type AggregateFunction string

const (
	AggregateCount AggregateFunction = "count"
	AggregateSum   AggregateFunction = "sum"
	AggregateAvg   AggregateFunction = "avg"
	AggregateMin   AggregateFunction = "min"
	AggregateMax   AggregateFunction = "max"
)

// AggregateOperation reduces merged records, optionally per group.
type AggregateOperation struct {
	Function AggregateFunction `json:"function"`
	Field    string            `json:"field,omitempty"`
	GroupBy  []string          `json:"groupBy,omitempty"`
}

// LimitOperation caps the number of records.
type LimitOperation struct {
	Count uint64 `json:"count"`
}

func (FilterOperation) Kind() OperationKind    { return OperationFilter }
func (SortOperation) Kind() OperationKind      { return OperationSort }
func (JoinOperation) Kind() OperationKind      { return OperationJoin }
func (AggregateOperation) Kind() OperationKind { return OperationAggregate }
func (LimitOperation) Kind() OperationKind     { return OperationLimit }

func (FilterOperation) isQueryOperation()    {}
func (SortOperation) isQueryOperation()      {}
func (JoinOperation) isQueryOperation()      {}
func (AggregateOperation) isQueryOperation() {}
func (LimitOperation) isQueryOperation()     {}

func (o FilterOperation) Validate() error {
	if o.Expression == "" {
		return NewInvalidQueryError(ErrCodeInvalidOperation, "filter expression is empty")
	}
	return nil
}

func (o SortOperation) Validate() error {
	if o.Field == "" {
		return NewInvalidQueryError(ErrCodeInvalidOperation, "sort field is empty")
	}
	if o.Order != "" && o.Order != SortOrderAsc && o.Order != SortOrderDesc {
		return NewInvalidQueryError(ErrCodeInvalidOperation, fmt.Sprintf("unknown sort order %q", o.Order))
	}
	return nil
}

func (o JoinOperation) Validate() error {
	if o.Field == "" {
		return NewInvalidQueryError(ErrCodeInvalidOperation, "join field is empty")
	}
	return nil
}

func (o AggregateOperation) Validate() error {
	switch o.Function {
	case AggregateCount:
		return nil
	case AggregateSum, AggregateAvg, AggregateMin, AggregateMax:
		if o.Field == "" {
			return NewInvalidQueryError(ErrCodeInvalidOperation,
				fmt.Sprintf("aggregate %s requires a field", o.Function))
		}
		return nil
	}
	return NewInvalidQueryError(ErrCodeInvalidOperation, fmt.Sprintf("unknown aggregate function %q", o.Function))
}

func (o LimitOperation) Validate() error { return nil }

// OperationList is the ordered operation sequence of a plan.
type OperationList []QueryOperation

// Validate checks each operation in order.
func (l OperationList) Validate() error {
	for i, op := range l {
		if op == nil {
			return NewInvalidQueryError(ErrCodeInvalidOperation, fmt.Sprintf("operation %d is nil", i))
		}
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether any operation has the given kind.
func (l OperationList) Has(kind OperationKind) bool {
	for _, op := range l {
		if op.Kind() == kind {
			return true
		}
	}
	return false
}

type operationEnvelope struct {
	Type       OperationKind     `json:"type"`
	Expression string            `json:"expression,omitempty"`
	Field      string            `json:"field,omitempty"`
	Order      SortOrder         `json:"order,omitempty"`
	Function   AggregateFunction `json:"function,omitempty"`
	GroupBy    []string          `json:"groupBy,omitempty"`
	Count      *uint64           `json:"count,omitempty"`
}

func envelopeOf(op QueryOperation) (operationEnvelope, error) {
	switch o := op.(type) {
	case FilterOperation:
		return operationEnvelope{Type: OperationFilter, Expression: o.Expression}, nil
	case SortOperation:
		return operationEnvelope{Type: OperationSort, Field: o.Field, Order: o.Order}, nil
	case JoinOperation:
		return operationEnvelope{Type: OperationJoin, Field: o.Field}, nil
	case AggregateOperation:
		return operationEnvelope{Type: OperationAggregate, Function: o.Function, Field: o.Field, GroupBy: o.GroupBy}, nil
	case LimitOperation:
		n := o.Count
		return operationEnvelope{Type: OperationLimit, Count: &n}, nil
	}
	return operationEnvelope{}, fmt.Errorf("unsupported operation type %T", op)
}

func (e operationEnvelope) operation() (QueryOperation, error) {
	switch e.Type {
	case OperationFilter:
		return FilterOperation{Expression: e.Expression}, nil
	case OperationSort:
		order := e.Order
		if order == "" {
			order = SortOrderAsc
		}
		return SortOperation{Field: e.Field, Order: order}, nil
	case OperationJoin:
		return JoinOperation{Field: e.Field}, nil
	case OperationAggregate:
		return AggregateOperation{Function: e.Function, Field: e.Field, GroupBy: e.GroupBy}, nil
	case OperationLimit:
		if e.Count == nil {
			return nil, NewInvalidQueryError(ErrCodeInvalidOperation, "limit requires count")
		}
		return LimitOperation{Count: *e.Count}, nil
	}
	return nil, NewInvalidQueryError(ErrCodeInvalidOperation, fmt.Sprintf("unknown operation type %q", e.Type))
}

// MarshalJSON encodes operations as tagged objects: {"type":"sort","field":"age","order":"desc"}.
func (l OperationList) MarshalJSON() ([]byte, error) {
	envs := make([]operationEnvelope, 0, len(l))
	for _, op := range l {
		env, err := envelopeOf(op)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return sonic.Marshal(envs)
}

func (l *OperationList) UnmarshalJSON(data []byte) error {
	var envs []operationEnvelope
	if err := sonic.Unmarshal(data, &envs); err != nil {
		return err
	}
	out := make(OperationList, 0, len(envs))
	for _, env := range envs {
		op, err := env.operation()
		if err != nil {
			return err
		}
		out = append(out, op)
	}
	*l = out
	return nil
}
