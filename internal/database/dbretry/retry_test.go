package dbretry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("sentinel")

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errSentinel, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "wrapped EOF", err: fmt.Errorf("read: %w", errors.New("unexpected EOF")), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestNoResultStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := NoResult(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("lookup: %w", errSentinel)
	})

	require.ErrorIs(t, err, errSentinel)
	assert.Equal(t, 1, calls)
}

func TestOperationRetriesTransientError(t *testing.T) {
	t.Parallel()

	calls := 0
	result, err := Operation(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("write: broken pipe")
		}

		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, calls)
}
