package celldb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryPlan_UnmarshalOperations(t *testing.T) {
	payload := `{
		"id": "p1",
		"queryType": "cross_cell",
		"targetCells": ["a", "b"],
		"operations": [
			{"type": "filter", "expression": "age > 30"},
			{"type": "sort", "field": "age"},
			{"type": "aggregate", "function": "avg", "field": "age", "groupBy": ["city"]},
			{"type": "limit", "count": 5}
		]
	}`

	var plan QueryPlan
	require.NoError(t, json.Unmarshal([]byte(payload), &plan))
	require.Len(t, plan.Operations, 4)

	assert.Equal(t, FilterOperation{Expression: "age > 30"}, plan.Operations[0])
	assert.Equal(t, SortOperation{Field: "age", Order: SortOrderAsc}, plan.Operations[1], "order defaults to asc")
	assert.Equal(t, AggregateOperation{Function: AggregateAvg, Field: "age", GroupBy: []string{"city"}}, plan.Operations[2])
	assert.Equal(t, LimitOperation{Count: 5}, plan.Operations[3])
	assert.NoError(t, plan.Operations.Validate())
}

func TestOperationList_UnmarshalRejectsUnknownType(t *testing.T) {
	var ops OperationList
	err := json.Unmarshal([]byte(`[{"type":"window"}]`), &ops)
	require.Error(t, err)
	assert.Equal(t, ErrorKindInvalidQuery, KindOf(err))

	err = json.Unmarshal([]byte(`[{"type":"limit"}]`), &ops)
	require.Error(t, err)
}

func TestOperationList_MarshalLimitZero(t *testing.T) {
	data, err := json.Marshal(OperationList{LimitOperation{Count: 0}, JoinOperation{Field: "id"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"limit","count":0},{"type":"join","field":"id"}]`, string(data))
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      QueryOperation
		wantErr bool
	}{
		{"empty filter", FilterOperation{}, true},
		{"sort without field", SortOperation{Order: SortOrderAsc}, true},
		{"sort bad order", SortOperation{Field: "a", Order: "up"}, true},
		{"join without field", JoinOperation{}, true},
		{"count needs no field", AggregateOperation{Function: AggregateCount}, false},
		{"sum needs field", AggregateOperation{Function: AggregateSum}, true},
		{"unknown function", AggregateOperation{Function: "median", Field: "x"}, true},
		{"limit", LimitOperation{Count: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrorKindInvalidQuery, KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOperationList_ValidateNil(t *testing.T) {
	err := OperationList{FilterOperation{Expression: "a = 1"}, nil}.Validate()
	require.Error(t, err)
	assert.True(t, OperationList{LimitOperation{Count: 1}}.Has(OperationLimit))
	assert.False(t, OperationList{LimitOperation{Count: 1}}.Has(OperationSort))
}
