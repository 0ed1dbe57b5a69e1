// Package ingest delivers serialized payloads to a message broker with an
// atomic disk fallback queue and crash-safe replay. Queueing to disk is a
// designed degraded mode, not an error path: no payload is lost short of
// disk exhaustion.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/internal/breaker"
	"github.com/plantops/plantkg/internal/metrics"
)

const (
	readyPrefix      = "ingest_"
	processingSuffix = ".processing"
	tempPrefix       = ".tmp_"
)

// Ingestor serializes payloads and sends them through the configured broker
// client; failures fall back to the disk queue. The queue directory is the
// only cross-process coordination surface: atomic rename claims a file, no
// locks are taken.
type Ingestor struct {
	client     BrokerClient // nil means not configured: disk-only mode
	brokerName string

	// topic is used for both Kafka and MQTT sends; historically the MQTT
	// path published under the Kafka raw-topic name and that behavior is
	// kept.
	topic string

	queueDir string
	breaker  *breaker.Breaker
	log      *zap.SugaredLogger

	// backoffUnit scales the exponential replay backoff; tests shrink it.
	backoffUnit time.Duration

	seq atomic.Uint64
}

func New(client BrokerClient, brokerName, topic, queueDir string, log *zap.SugaredLogger) (*Ingestor, error) {
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create queue directory")
	}
	return &Ingestor{
		client:     client,
		brokerName: brokerName,
		topic:      topic,
		queueDir:   queueDir,
		breaker: breaker.New(5, 30*time.Second, func(s breaker.State) {
			metrics.TrackBreakerState("broker", int(s))
		}),
		log:         log,
		backoffUnit: time.Second,
	}, nil
}

// Ingest serializes data and attempts a synchronous broker send. It returns
// true when the broker accepted the payload and false when the payload was
// queued to disk instead.
func (in *Ingestor) Ingest(ctx context.Context, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		in.log.Errorw("ingestion failed: payload not serializable", "error", err)
		return false
	}

	err = in.breaker.Execute(ctx, func(ctx context.Context) error {
		return in.sendToBroker(ctx, payload)
	})
	if err == nil {
		in.log.Debugw("payload sent to broker", "broker", in.brokerName)
		return true
	}
	if errors.Is(err, ErrNotConfigured) {
		in.log.Warnw("broker not configured, queueing to disk")
	} else {
		in.log.Warnw("broker unavailable, queueing to disk", "error", err)
	}

	if werr := in.writeFallback(payload); werr != nil {
		in.log.Errorw("failed to write fallback queue file", "error", werr)
	}
	return false
}

func (in *Ingestor) sendToBroker(ctx context.Context, payload []byte) error {
	if in.client == nil {
		return ErrNotConfigured
	}
	err := in.client.Send(ctx, in.topic, payload)
	metrics.TrackBrokerSend(in.brokerName, err)
	return err
}

// writeFallback persists one payload as a newline-delimited file. The full
// payload is written to a hidden temp file and renamed into place; the
// rename is the atomicity boundary, so a reader never observes a partial
// file. On write failure the temp file is removed and nothing is left
// behind.
func (in *Ingestor) writeFallback(payload []byte) error {
	seq := in.seq.Add(1)
	now := time.Now().UnixNano()
	pid := os.Getpid()

	tempPath := filepath.Join(in.queueDir, tempName(now, pid, seq))
	finalPath := filepath.Join(in.queueDir, readyName(now, pid, seq))

	if err := os.WriteFile(tempPath, append(payload, '\n'), 0o644); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "write temp queue file")
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "rename into queue")
	}

	metrics.TrackFallbackWrite()
	in.log.Debugw("payload written to fallback queue", "file", finalPath)
	return nil
}

// RetryFallbackQueue replays queued payloads. It is a maintenance pass, not
// triggered by Ingest. Files are claimed by renaming to an in-progress
// name; a file missing at rename time was claimed by another pass and is
// skipped. Every line is attempted before the file is deleted, and a
// file-level failure restores the ready name so a future pass retries it.
func (in *Ingestor) RetryFallbackQueue(ctx context.Context, maxRetries int) error {
	entries, err := os.ReadDir(in.queueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read queue directory")
	}

	var ready []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, readyPrefix) && !strings.HasSuffix(name, processingSuffix) {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for _, name := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(in.queueDir, name)
		processing := path + processingSuffix

		if err := os.Rename(path, processing); err != nil {
			if os.IsNotExist(err) {
				// Claimed by a concurrent pass.
				continue
			}
			in.log.Errorw("failed to claim queue file", "file", name, "error", err)
			continue
		}

		if err := in.replayFile(ctx, name, processing, maxRetries); err != nil {
			in.log.Errorw("queue processing failed, restoring file", "file", name, "error", err)
			if rerr := os.Rename(processing, path); rerr != nil && !os.IsNotExist(rerr) {
				in.log.Errorw("failed to restore queue file", "file", name, "error", rerr)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := os.Remove(processing); err != nil {
			in.log.Errorw("failed to delete replayed queue file", "file", name, "error", err)
			continue
		}
		in.log.Infow("finished replaying queue file", "file", name)
	}
	return nil
}

// replayFile attempts every line of one claimed file. A corrupt line is
// logged and skipped; a deliverable line is retried with exponential
// backoff up to maxRetries attempts. Only file-level I/O problems are
// returned as errors.
func (in *Ingestor) replayFile(ctx context.Context, name, path string, maxRetries int) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open queue file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var payload json.RawMessage
		if err := json.Unmarshal(line, &payload); err != nil {
			in.log.Errorw("corrupt JSON in queue file", "file", name, "line", lineNum)
			metrics.TrackFallbackReplay("corrupt")
			continue
		}

		for attempt := 0; attempt < maxRetries; attempt++ {
			if err := in.sendToBroker(ctx, payload); err == nil {
				in.log.Infow("replayed queued payload", "file", name, "line", lineNum)
				metrics.TrackFallbackReplay("success")
				break
			}
			if attempt == maxRetries-1 {
				in.log.Errorw("abandoning queued payload after retries",
					"file", name, "line", lineNum, "attempts", maxRetries)
				metrics.TrackFallbackReplay("abandoned")
			}
			if err := sleepCtx(ctx, in.backoffUnit*(1<<attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Wrap(scanner.Err(), "read queue file")
}

// Healthy reports whether the broker circuit is closed.
func (in *Ingestor) Healthy() bool { return in.breaker.Healthy() }

// Close shuts down the underlying broker client, if any.
func (in *Ingestor) Close() error {
	if in.client == nil {
		return nil
	}
	return in.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func tempName(now int64, pid int, seq uint64) string {
	return tempPrefix + fileStamp(now, pid, seq) + ".bin"
}

func readyName(now int64, pid int, seq uint64) string {
	return readyPrefix + fileStamp(now, pid, seq) + ".bin"
}

// fileStamp zero-pads so lexicographic and chronological order agree.
func fileStamp(now int64, pid int, seq uint64) string {
	return fmt.Sprintf("%020d_%07d_%06d", now, pid, seq)
}
