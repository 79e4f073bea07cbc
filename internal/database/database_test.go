package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestOpen_SQLiteMemory(t *testing.T) {
	m, err := Open(Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Ping(context.Background()))
	assert.NotNil(t, m.DB())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"}, zap.NewNop())
	assert.Error(t, err)
}

func TestManager_CloseIdempotent(t *testing.T) {
	m, err := Open(Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.Error(t, m.Ping(context.Background()))
}

func TestWithTransactionRetry_StopsOnNonRetryable(t *testing.T) {
	m, err := Open(Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	calls := 0
	fatal := errors.New("constraint violation")
	err = m.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestWithTransactionRetry_RetriesRetryable(t *testing.T) {
	m, err := Open(Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	calls := 0
	err = m.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadlock", err: errors.New("Deadlock detected"), want: true},
		{name: "serialization", err: errors.New("could not serialize access"), want: true},
		{name: "plain", err: errors.New("syntax error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}
