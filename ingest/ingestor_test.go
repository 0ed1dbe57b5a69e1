package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBroker records every send and fails the first failN calls.
type fakeBroker struct {
	sent  [][]byte
	calls int
	failN int
}

func (f *fakeBroker) Send(ctx context.Context, topic string, payload []byte) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("broker down")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeBroker) Close() error { return nil }

func newTestIngestor(t *testing.T, client BrokerClient) (*Ingestor, string) {
	t.Helper()
	dir := t.TempDir()
	in, err := New(client, "kafka", "opcua_raw_data", dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	in.backoffUnit = time.Millisecond
	return in, dir
}

func queueFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestIngestSuccess(t *testing.T) {
	broker := &fakeBroker{}
	in, dir := newTestIngestor(t, broker)

	ok := in.Ingest(context.Background(), map[string]any{"chunk_id": "opcua_sim_1"})
	assert.True(t, ok)
	assert.Len(t, broker.sent, 1)
	assert.Empty(t, queueFiles(t, dir))
	assert.True(t, in.Healthy())
}

func TestIngestFailureQueuesToDisk(t *testing.T) {
	broker := &fakeBroker{failN: 1}
	in, dir := newTestIngestor(t, broker)

	ok := in.Ingest(context.Background(), map[string]any{"chunk_id": "opcua_sim_1"})
	assert.False(t, ok)

	files := queueFiles(t, dir)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], readyPrefix))
	assert.False(t, strings.HasPrefix(files[0], tempPrefix))

	data, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunk_id":"opcua_sim_1"}`, strings.TrimSpace(string(data)))
}

func TestIngestNoBrokerConfigured(t *testing.T) {
	in, dir := newTestIngestor(t, nil)

	ok := in.Ingest(context.Background(), "payload")
	assert.False(t, ok)
	assert.Len(t, queueFiles(t, dir), 1)
}

func TestRetryFallbackQueueReplaysAndDeletes(t *testing.T) {
	broker := &fakeBroker{failN: 3}
	in, dir := newTestIngestor(t, broker)

	for i := 0; i < 3; i++ {
		in.Ingest(context.Background(), map[string]any{"n": i})
	}
	require.Len(t, queueFiles(t, dir), 3)

	require.NoError(t, in.RetryFallbackQueue(context.Background(), 3))

	assert.Empty(t, queueFiles(t, dir))
	// Each payload delivered exactly once.
	assert.Len(t, broker.sent, 3)
}

func TestRetryFallbackQueuePreservesOrder(t *testing.T) {
	broker := &fakeBroker{failN: 2}
	in, dir := newTestIngestor(t, broker)

	in.Ingest(context.Background(), map[string]any{"n": 0})
	in.Ingest(context.Background(), map[string]any{"n": 1})
	require.Len(t, queueFiles(t, dir), 2)

	require.NoError(t, in.RetryFallbackQueue(context.Background(), 3))
	require.Len(t, broker.sent, 2)
	assert.JSONEq(t, `{"n":0}`, string(broker.sent[0]))
	assert.JSONEq(t, `{"n":1}`, string(broker.sent[1]))
}

func TestRetryFallbackQueueExhaustsRetries(t *testing.T) {
	broker := &fakeBroker{failN: 1000}
	in, dir := newTestIngestor(t, broker)

	in.Ingest(context.Background(), "payload")
	require.Len(t, queueFiles(t, dir), 1)
	callsAfterIngest := broker.calls

	require.NoError(t, in.RetryFallbackQueue(context.Background(), 3))

	// Exactly maxRetries delivery attempts, then the payload is abandoned
	// and the file removed.
	assert.Equal(t, 3, broker.calls-callsAfterIngest)
	assert.Empty(t, queueFiles(t, dir))
}

func TestRetryFallbackQueueSkipsCorruptLines(t *testing.T) {
	broker := &fakeBroker{}
	in, dir := newTestIngestor(t, broker)

	path := filepath.Join(dir, readyPrefix+"00000000000000000001_0000001_000001.bin")
	content := "{\"ok\":1}\nnot json at all\n{\"ok\":2}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, in.RetryFallbackQueue(context.Background(), 3))

	require.Len(t, broker.sent, 2)
	assert.JSONEq(t, `{"ok":1}`, string(broker.sent[0]))
	assert.JSONEq(t, `{"ok":2}`, string(broker.sent[1]))
	assert.Empty(t, queueFiles(t, dir))
}

func TestRetryFallbackQueueIgnoresClaimedAndTempFiles(t *testing.T) {
	broker := &fakeBroker{}
	in, dir := newTestIngestor(t, broker)

	claimed := filepath.Join(dir, readyPrefix+"00000000000000000001_0000001_000001.bin"+processingSuffix)
	temp := filepath.Join(dir, tempPrefix+"00000000000000000002_0000001_000002.bin")
	require.NoError(t, os.WriteFile(claimed, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(temp, []byte("{}\n"), 0o644))

	require.NoError(t, in.RetryFallbackQueue(context.Background(), 3))

	assert.Empty(t, broker.sent)
	assert.ElementsMatch(t, []string{filepath.Base(claimed), filepath.Base(temp)}, queueFiles(t, dir))
}

func TestRetryFallbackQueueCancelled(t *testing.T) {
	broker := &fakeBroker{}
	in, dir := newTestIngestor(t, broker)

	in.client = nil // force queueing
	in.Ingest(context.Background(), "payload")
	in.client = broker
	require.Len(t, queueFiles(t, dir), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := in.RetryFallbackQueue(ctx, 3)
	assert.ErrorIs(t, err, context.Canceled)
	// Nothing was claimed or lost.
	assert.Len(t, queueFiles(t, dir), 1)
}

func TestRetryFallbackQueueMissingDir(t *testing.T) {
	in, dir := newTestIngestor(t, &fakeBroker{})
	require.NoError(t, os.RemoveAll(dir))
	assert.NoError(t, in.RetryFallbackQueue(context.Background(), 3))
}

func TestFileStampOrdering(t *testing.T) {
	a := fileStamp(1, 100, 1)
	b := fileStamp(2, 100, 1)
	c := fileStamp(10, 100, 1)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}
