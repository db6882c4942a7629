package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_feed/internal/apperr"
)

type fakeRecord map[string]any

func (f fakeRecord) Field(name string) (any, bool) {
	v, ok := f[name]
	return v, ok
}

func TestMatch(t *testing.T) {
	rec := fakeRecord{
		"id":       int64(3),
		"scope_id": int64(12),
		"type":     "signal",
		"symbol":   "AAPL",
	}

	tests := []struct {
		name    string
		filters map[string]any
		want    bool
	}{
		{name: "nil map matches everything", filters: nil, want: true},
		{name: "empty map matches everything", filters: map[string]any{}, want: true},
		{name: "scalar equal", filters: map[string]any{"symbol": "AAPL"}, want: true},
		{name: "scalar not equal", filters: map[string]any{"symbol": "MSFT"}, want: false},
		{name: "list contains", filters: map[string]any{"symbol": []any{"MSFT", "AAPL"}}, want: true},
		{name: "list misses", filters: map[string]any{"symbol": []any{"MSFT", "GOOG"}}, want: false},
		{name: "empty list never matches", filters: map[string]any{"symbol": []any{}}, want: false},
		{name: "AND semantics both match", filters: map[string]any{"symbol": "AAPL", "type": "signal"}, want: true},
		{name: "AND semantics one misses", filters: map[string]any{"symbol": "AAPL", "type": "trade"}, want: false},
		{name: "json number vs int64", filters: map[string]any{"scope_id": float64(12)}, want: true},
		{name: "string does not equal number", filters: map[string]any{"scope_id": "12"}, want: false},
		{name: "unknown key fails closed", filters: map[string]any{"colour": "red"}, want: false},
		{name: "known key absent on record fails closed", filters: map[string]any{"status": "done"}, want: false},
		{name: "nested object never matches", filters: map[string]any{"symbol": map[string]any{"eq": "AAPL"}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filters, rec))
		})
	}
}

func TestMatchIsPure(t *testing.T) {
	rec := fakeRecord{"symbol": "AAPL", "type": "signal"}
	filters := map[string]any{"symbol": []any{"AAPL"}, "type": "signal", "unknown": 1}

	first := Match(filters, rec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Match(filters, rec))
	}
	assert.Len(t, filters, 3, "Match must not mutate the filter map")
}

func TestMatchDecodedJSON(t *testing.T) {
	var filters map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":["AAPL","TSLA"],"scope_id":5}`), &filters))

	assert.True(t, Match(filters, fakeRecord{"symbol": "TSLA", "scope_id": int64(5)}))
	assert.False(t, Match(filters, fakeRecord{"symbol": "TSLA", "scope_id": int64(6)}))
}

func TestMatchLargeIntegers(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{name: "adjacent int64 above 2^53", expected: int64(9007199254740993), actual: int64(9007199254740992), want: false},
		{name: "same int64 above 2^53", expected: int64(9007199254740993), actual: int64(9007199254740993), want: true},
		{name: "json number against int64", expected: json.Number("9007199254740993"), actual: int64(9007199254740992), want: false},
		{name: "json number equal to int64", expected: json.Number("9007199254740993"), actual: int64(9007199254740993), want: true},
		{name: "integral float against int", expected: float64(5), actual: int64(5), want: true},
		{name: "fractional float against int", expected: 5.5, actual: int64(5), want: false},
		{name: "fractional floats", expected: 1.25, actual: float32(1.25), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(map[string]any{"id": tt.expected}, fakeRecord{"id": tt.actual})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		filters map[string]any
		wantErr bool
	}{
		{name: "nil", filters: nil},
		{name: "scalars", filters: map[string]any{"symbol": "AAPL", "scope_id": 3.0, "type": "signal"}},
		{name: "list of scalars", filters: map[string]any{"symbol": []any{"AAPL", "MSFT"}}},
		{name: "string list", filters: map[string]any{"symbol": []string{"AAPL"}}},
		{name: "unknown field", filters: map[string]any{"colour": "red"}, wantErr: true},
		{name: "nested object", filters: map[string]any{"symbol": map[string]any{"eq": "AAPL"}}, wantErr: true},
		{name: "list with object", filters: map[string]any{"symbol": []any{"AAPL", map[string]any{}}}, wantErr: true},
		{name: "null value", filters: map[string]any{"symbol": nil}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.filters)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}
