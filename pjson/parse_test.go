package pjson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValidJSON(t *testing.T) {
	v, st := Parse(`{"a": 1, "b": [true, null]}`)
	require.Equal(t, StateSuccessful, st)
	require.Equal(t, map[string]any{"a": float64(1), "b": []any{true, nil}}, v)
}

func TestParseRepairs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want any
	}{
		{
			name: "truncated after value",
			in:   `{"a": 1, "b": 2`,
			want: map[string]any{"a": float64(1), "b": float64(2)},
		},
		{
			name: "open string value",
			in:   `{"a": "hel`,
			want: map[string]any{"a": "hel"},
		},
		{
			name: "partial key dropped",
			in:   `{"a": 1, "bc`,
			want: map[string]any{"a": float64(1)},
		},
		{
			name: "dangling colon",
			in:   `{"a":`,
			want: map[string]any{},
		},
		{
			name: "trailing comma in object",
			in:   `{"a": 1,`,
			want: map[string]any{"a": float64(1)},
		},
		{
			name: "literal prefix completed",
			in:   `{"a": tru`,
			want: map[string]any{"a": true},
		},
		{
			name: "null prefix completed",
			in:   `{"a": n`,
			want: map[string]any{"a": nil},
		},
		{
			name: "incomplete number trimmed",
			in:   `{"a": 12.`,
			want: map[string]any{"a": float64(12)},
		},
		{
			name: "dangling exponent",
			in:   `{"a": 3e`,
			want: map[string]any{"a": float64(3)},
		},
		{
			name: "trailing comma in array",
			in:   `[1, 2,`,
			want: []any{float64(1), float64(2)},
		},
		{
			name: "nested truncation closed",
			in:   `{"elements": [{"a": 1}, {"a": 2`,
			want: map[string]any{"elements": []any{
				map[string]any{"a": float64(1)},
				map[string]any{"a": float64(2)},
			}},
		},
		{
			name: "open root string",
			in:   `"hel`,
			want: "hel",
		},
		{
			name: "dangling escape dropped",
			in:   `{"a": "x\`,
			want: map[string]any{"a": "x"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, st := Parse(tc.in)
			require.Equal(t, StateRepaired, st)
			require.Equal(t, tc.want, v)
		})
	}
}

func TestParseFailures(t *testing.T) {
	for _, in := range []string{"", "   ", "hello", `{"a" 1}`, `}`, `{]`} {
		v, st := Parse(in)
		require.Equal(t, StateFailed, st, "input %q", in)
		require.Nil(t, v)
	}
}
