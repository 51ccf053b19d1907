package engineerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient provider 5xx", WrapTransient(Provider, "upstream 503", errors.New("bad gateway")), true},
		{"auth failure non-retryable", Wrap(Provider, "invalid api key", errors.New("401")), false},
		{"tool timeout", WrapTransient(Tool, "call timed out", errors.New("deadline")), true},
		{"tool schema violation", Wrap(Tool, "schema mismatch", errors.New("bad args")), false},
		{"budget exceeded", New(BudgetExceeded, "over budget"), false},
		{"cancelled", New(Cancelled, "user cancel"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestIsAndKindOf(t *testing.T) {
	err := New(NotFound, "mission missing")
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Conflict))
	require.Equal(t, NotFound, KindOf(err))
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapTransient(Tool, "call failed", cause)
	require.ErrorIs(t, err, cause)
}
