package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 7, 10, 9, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01T07:10:09Z", want},
		{"2024-01-01T16:10:09+09:00", want},
		{"2024-01-01T07:10:09", want},
		{"2024-01-01 07:10:09", want},
		{"2024/01/01 07:10:09", want},
		{"1704093009", want},
		{"1704093009000", want},
		{"2024-01-01 07:10", want.Truncate(time.Minute)},
		{"20240101071009", want},
		{"20240101", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTime(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := parseTime("yesterday")
	require.Error(t, err)
	_, err = parseTime("  ")
	require.Error(t, err)

	for _, in := range []string{"0", "-1", "86400", "20241399"} {
		_, err = parseTime(in)
		assert.Error(t, err, "%q is neither a date nor a plausible epoch", in)
	}
}

func TestFlexTime_DropsUnparseable(t *testing.T) {
	var v struct {
		A flexTime `json:"a"`
		B flexTime `json:"b"`
		C flexTime `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 1704093009000, "b": "soon", "c": null}`), &v))
	assert.Equal(t, time.Date(2024, 1, 1, 7, 10, 9, 0, time.UTC), v.A.Time)
	assert.True(t, v.B.IsZero())
	assert.True(t, v.C.IsZero())
}

func TestFlexFloat(t *testing.T) {
	var v struct {
		A flexFloat `json:"a"`
		B flexFloat `json:"b"`
		C flexFloat `json:"c"`
		D flexFloat `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 5.2, "b": "6.1", "c": null, "d": "n/a"}`), &v))
	assert.Equal(t, flexFloat{Value: 5.2, Set: true}, v.A)
	assert.Equal(t, flexFloat{Value: 6.1, Set: true}, v.B)
	assert.False(t, v.C.Set)
	assert.False(t, v.D.Set)
	assert.Nil(t, v.C.ptr())
}

func TestParseNumber_Hemisphere(t *testing.T) {
	tests := map[string]float64{
		"37.5":     37.5,
		"37.5 N":   37.5,
		"12.1S":    -12.1,
		"77.3 W":   -77.3,
		" 139.6E ": 139.6,
		"-4":       -4,
	}
	for in, want := range tests {
		got, ok := parseNumber(in)
		require.True(t, ok, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	_, ok := parseNumber("north")
	assert.False(t, ok)
}

func TestEventID_Deterministic(t *testing.T) {
	ts := time.Date(2024, 1, 1, 7, 10, 9, 0, time.UTC)

	a := eventID("emsc", "", ts, 37.5, 137.2)
	b := eventID("emsc", "", ts, 37.5, 137.2)
	c := eventID("emsc", "", ts, 37.6, 137.2)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("emsc:")+16)
	assert.Equal(t, "emsc:abc", eventID("emsc", "abc", ts, 0, 0))
}
