package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name  string
	mu    sync.Mutex
	got   []Event
	err   error
	block chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(ctx context.Context, e Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return s.err
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

type countingObserver struct {
	mu        sync.Mutex
	dropped   int
	published int
	failed    int
}

func (c *countingObserver) EventDropped(Type, string) {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *countingObserver) EventPublished(_ Type, _ string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		return
	}
	c.published++
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("broker down")}
	obs := &countingObserver{}
	d := NewDispatcher([]Sink{a, b}, WithObserver(obs))
	d.Start()

	d.Emit(NewSessionReuseDetected("u1", "s1", time.Now()))
	d.Emit(NewAccountLocked("u2", "admin", time.Now()))
	require.NoError(t, d.Close(context.Background()))

	for _, s := range []*recordingSink{a, b} {
		got := s.events()
		require.Len(t, got, 2)
		assert.Equal(t, SessionReuseDetected, got[0].Type)
		assert.Equal(t, "s1", got[0].SessionID)
		assert.Equal(t, AccountLocked, got[1].Type)
		assert.Equal(t, "admin", got[1].Reason)
	}
	assert.Equal(t, 2, obs.published)
	assert.Equal(t, 2, obs.failed)
}

func TestEmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	slow := &recordingSink{name: "slow", block: block}
	obs := &countingObserver{}
	d := NewDispatcher([]Sink{slow}, WithBufferSize(1), WithObserver(obs))
	d.Start()

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Emit(NewAccountLocked("u1", "x", time.Now()))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(block)
	require.NoError(t, d.Close(context.Background()))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Positive(t, obs.dropped)
	assert.Equal(t, 50, obs.dropped+len(slow.events()))
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{name: "a"}
	obs := &countingObserver{}
	d := NewDispatcher([]Sink{sink}, WithObserver(obs))
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	d.Emit(NewAccountLocked("u1", "x", time.Now()))
	assert.Empty(t, sink.events())
	assert.Equal(t, 1, obs.dropped)
}

func TestPublishTimeoutBoundsSlowSink(t *testing.T) {
	stuck := &recordingSink{name: "stuck", block: make(chan struct{})}
	obs := &countingObserver{}
	d := NewDispatcher([]Sink{stuck}, WithPublishTimeout(20*time.Millisecond), WithObserver(obs))
	d.Start()

	d.Emit(NewAccountLocked("u1", "x", time.Now()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, 1, obs.failed)
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) Produce(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.topic, f.key, f.value, f.headers = topic, key, value, headers
	return nil
}

func TestKafkaSinkEncodesEvent(t *testing.T) {
	p := &fakeProducer{}
	e := NewSessionReuseDetected("u1", "s1", time.Unix(1700000000, 0))
	require.NoError(t, NewKafkaSink(p, "auth.security-events").Publish(context.Background(), e))

	assert.Equal(t, "auth.security-events", p.topic)
	assert.Equal(t, []byte("u1"), p.key)
	assert.Equal(t, "session_reuse_detected", p.headers["event_type"])

	var decoded Event
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "s1", decoded.SessionID)
}

type fakeIndexer struct {
	index, id string
	doc       any
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, doc any) error {
	f.index, f.id, f.doc = index, id, doc
	return nil
}

func TestElasticsearchSinkUsesEventID(t *testing.T) {
	idx := &fakeIndexer{}
	e := NewAccountLocked("u1", "too_many_failures", time.Now())
	require.NoError(t, NewElasticsearchSink(idx, "auth-security-events").Publish(context.Background(), e))

	assert.Equal(t, "auth-security-events", idx.index)
	assert.Equal(t, e.ID, idx.id)
	assert.Equal(t, e, idx.doc)
}
