package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biosignal-telemetry/btr/internal/auth"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := NewLogger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestLogOperation_WritesJSONLine(t *testing.T) {
	logger := newTestLogger(t)

	logger.LogOperation(context.Background(), "start", "dev-1", "ecg", "SUCCESS", 420*time.Millisecond)

	entries := readEntries(t, logger.FilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "start", entries[0].Op)
	assert.Equal(t, "dev-1", entries[0].DeviceID)
	assert.Equal(t, "ecg", entries[0].Kind)
	assert.Equal(t, "SUCCESS", entries[0].Outcome)
	assert.Equal(t, int64(420), entries[0].LatencyMs)
	assert.Equal(t, "system", entries[0].User, "no claims means the relay itself acted")
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestLogOperation_UserFromClaims(t *testing.T) {
	logger := newTestLogger(t)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "operator-7"})
	logger.LogOperation(ctx, "stop", "dev-1", "hr", "ABSORBED", 0)

	entries := readEntries(t, logger.FilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "operator-7", entries[0].User)
	assert.Equal(t, "ABSORBED", entries[0].Outcome)
}

func TestLogOperation_AppendsAcrossCalls(t *testing.T) {
	logger := newTestLogger(t)

	for i := 0; i < 3; i++ {
		logger.LogOperation(context.Background(), "start", "dev-1", "acc", "ERROR", time.Millisecond)
	}

	assert.Len(t, readEntries(t, logger.FilePath()), 3)
}

func TestRotate_StartsFreshFile(t *testing.T) {
	logger := newTestLogger(t)

	logger.LogOperation(context.Background(), "start", "dev-1", "ecg", "SUCCESS", 0)
	require.NoError(t, logger.Rotate())
	logger.LogOperation(context.Background(), "stop", "dev-1", "ecg", "SUCCESS", 0)

	entries := readEntries(t, logger.FilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "stop", entries[0].Op)
}
