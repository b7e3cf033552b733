package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires Redis on localhost:6379; skipped otherwise.
const testRedisAddr = "localhost:6379"

type fakePublishClient struct {
	channel string
	message any
	err     error
}

func (f *fakePublishClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.message = message
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestRedisPublisher_EncodesEvent(t *testing.T) {
	fc := &fakePublishClient{}
	p := NewRedisPublisher(fc, "portal:notifications")

	rev := int64(2)
	require.NoError(t, p.Publish(context.Background(), Event{Type: EventBatchRecorded, BatchID: "B1", Revision: &rev}))

	assert.Equal(t, "portal:notifications", fc.channel)
	data, ok := fc.message.([]byte)
	require.True(t, ok)
	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "B1", got.BatchID)
	require.NotNil(t, got.Revision)
	assert.Equal(t, int64(2), *got.Revision)
}

func TestRedisPublisher_Error(t *testing.T) {
	p := NewRedisPublisher(&fakePublishClient{err: errors.New("conn refused")}, "c")
	err := p.Publish(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis publish: conn refused")
}

func TestRedisBridge_Forward(t *testing.T) {
	local := &recordingPublisher{}
	b := NewRedisBridge(nil, "c", local, logging.Nop{})

	b.forward(context.Background(), `{"type":"batch.recorded","batchId":"B9","userId":"U1"}`)
	b.forward(context.Background(), `not json`)

	events := local.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "B9", events[0].BatchID)
}

func TestRedisBridge_RoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	channel := "test:notify:" + t.Name()
	local := &recordingPublisher{}
	b := NewRedisBridge(client, channel, local, logging.Nop{})

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	p := NewRedisPublisher(client, channel)
	assert.Eventually(t, func() bool {
		_ = p.Publish(ctx, Event{BatchID: "B1"})
		return len(local.snapshot()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
