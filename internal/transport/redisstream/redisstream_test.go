package redisstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chattercraft/eventbus/internal/event"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/transport"
)

func setupTransport(t *testing.T) (*miniredis.Miniredis, *Transport) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := DefaultConfig(mr.Addr())
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.BatchSize = 10

	tr, err := New(context.Background(), cfg, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return mr, tr
}

func TestNew_BadAddress(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig("127.0.0.1:1"), logging.Default())
	assert.Error(t, err)
}

func TestPublishConsume_RoundTrip(t *testing.T) {
	_, tr := setupTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sent := event.New("user.created", map[string]any{"name": "alice"}, "user-service",
		event.WithCorrelationID("corr-7"))
	require.NoError(t, tr.Publish(ctx, sent))

	got := make(chan *event.Event, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Consume(ctx, func(ctx context.Context, evt *event.Event) error {
			select {
			case got <- evt:
			default:
			}
			return nil
		})
	}()

	select {
	case evt := <-got:
		assert.Equal(t, sent.Metadata.EventID, evt.Metadata.EventID)
		assert.Equal(t, "corr-7", evt.Metadata.CorrelationID)
		assert.Equal(t, sent.Payload, evt.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumed event")
	}

	cancel()
	wg.Wait()
}

func TestConsume_SkipsPoisonEntries(t *testing.T) {
	mr, tr := setupTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A raw entry that is not a valid wire envelope.
	_, err := mr.XAdd("events", "*", []string{"data", "{broken"})
	require.NoError(t, err)

	good := event.New("user.created", nil, "user-service")
	require.NoError(t, tr.Publish(ctx, good))

	got := make(chan *event.Event, 1)
	go func() {
		_ = tr.Consume(ctx, func(ctx context.Context, evt *event.Event) error {
			got <- evt
			return nil
		})
	}()

	select {
	case evt := <-got:
		assert.Equal(t, good.Metadata.EventID, evt.Metadata.EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("poison entry blocked the stream")
	}
}

func TestConsume_ReclaimsPendingEntriesAfterCrash(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig(mr.Addr())
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.ClaimMinIdle = 20 * time.Millisecond

	log := logging.Default()
	ctx := context.Background()

	tr1, err := New(ctx, cfg, log)
	require.NoError(t, err)

	evt := event.New("user.created", nil, "user-service")
	require.NoError(t, tr1.Publish(ctx, evt))

	// The first consumer hits an unexpected failure; the entry must stay
	// pending instead of being acked and lost.
	ctx1, cancel1 := context.WithCancel(ctx)
	firstDelivery := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr1.Consume(ctx1, func(ctx context.Context, evt *event.Event) error {
			once.Do(func() { close(firstDelivery) })
			return errors.New("sink unreachable")
		})
	}()

	select {
	case <-firstDelivery:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first delivery")
	}
	cancel1()
	wg.Wait()
	require.NoError(t, tr1.Close())

	// A fresh consumer claims the abandoned entry once it idles past
	// ClaimMinIdle.
	tr2, err := New(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr2.Close() })

	ctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	reclaimed := make(chan *event.Event, 1)
	go func() {
		_ = tr2.Consume(ctx2, func(ctx context.Context, got *event.Event) error {
			select {
			case reclaimed <- got:
			default:
			}
			return nil
		})
	}()

	select {
	case got := <-reclaimed:
		assert.Equal(t, evt.Metadata.EventID, got.Metadata.EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("pending entry was never reclaimed")
	}
}

func TestConsume_AcksRetryableFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig(mr.Addr())
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.ClaimMinIdle = 20 * time.Millisecond

	tr, err := New(context.Background(), cfg, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Publish(context.Background(), event.New("user.created", nil, "user-service")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	go func() {
		_ = tr.Consume(ctx, func(ctx context.Context, evt *event.Event) error {
			calls.Add(1)
			return transport.ErrProcessingFailed
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 },
		5*time.Second, 10*time.Millisecond)

	// Retryable failures are acked: the retry stream owns redelivery, so
	// the claim pass must not resurrect the entry.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestScanRetries_DueAndNotDue(t *testing.T) {
	_, tr := setupTransport(t)
	ctx := context.Background()

	due := event.New("tts.requested", nil, "tts-service")
	notDue := event.New("tts.requested", nil, "tts-service")
	require.NoError(t, tr.PublishRetry(ctx, due))
	require.NoError(t, tr.PublishRetry(ctx, notDue))

	var seen []string
	err := tr.ScanRetries(ctx, func(ctx context.Context, evt *event.Event) bool {
		seen = append(seen, evt.Metadata.EventID)
		return evt.Metadata.EventID == due.Metadata.EventID
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{due.Metadata.EventID, notDue.Metadata.EventID}, seen)

	// The not-due entry was re-appended and surfaces again on the next scan.
	seen = nil
	err = tr.ScanRetries(ctx, func(ctx context.Context, evt *event.Event) bool {
		seen = append(seen, evt.Metadata.EventID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{notDue.Metadata.EventID}, seen)

	// Retry log fully drained.
	err = tr.ScanRetries(ctx, func(ctx context.Context, evt *event.Event) bool {
		t.Fatalf("unexpected retry entry %s", evt.Metadata.EventID)
		return true
	})
	require.NoError(t, err)
}

func TestDeadLetterSink(t *testing.T) {
	_, tr := setupTransport(t)
	ctx := context.Background()

	evt := event.New("user.created", map[string]any{"name": "bob"}, "user-service")
	evt.Metadata.Status = event.StatusDeadLetter
	evt.Metadata.Attempts = 3

	require.NoError(t, tr.PublishDeadLetter(ctx, evt, "max_retries_exceeded"))

	depth, err := tr.DeadLetterDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	records, err := tr.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "max_retries_exceeded", records[0].Reason)
	assert.Equal(t, evt.Metadata.EventID, records[0].Event.Metadata.EventID)
	assert.Equal(t, 3, records[0].Event.Metadata.Attempts)
}

func TestHealthCheck(t *testing.T) {
	mr, tr := setupTransport(t)

	require.NoError(t, tr.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, tr.HealthCheck(context.Background()))
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.DeadLetterLister = (*Transport)(nil)
