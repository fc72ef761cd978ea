package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/db/dbtest"
	"github.com/zulandar/teamyard/internal/models"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	fail    bool
	closed  bool
	block   chan struct{}
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, rec Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestRecorder_DeliversToEverySink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{fail: true}
	r := NewRecorder(16, nil, a, b)

	r.Offer(Record{SessionID: "s1", Kind: "message_sent", Agent: "lead"})
	r.Offer(Record{SessionID: "s1", Kind: "turn_ended", Agent: "lead"})
	r.Close()

	require.Len(t, a.records, 2)
	assert.Equal(t, "message_sent", a.records[0].Kind)
	assert.False(t, a.records[0].Time.IsZero())
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	written, dropped, failed := r.Stats()
	assert.Equal(t, uint64(2), written)
	assert.Zero(t, dropped)
	assert.Equal(t, uint64(2), failed)
}

func TestRecorder_NeverBlocks(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(2, nil, sink)

	// One record is held by the worker, two fill the queue, the rest drop.
	for i := 0; i < 10; i++ {
		r.Offer(Record{SessionID: "s1", Kind: "task_changed"})
	}
	close(sink.block)
	r.Close()

	_, dropped, _ := r.Stats()
	assert.GreaterOrEqual(t, dropped, uint64(7))
	assert.Equal(t, 10, len(sink.records)+int(dropped))
}

func TestRecorder_NilAndClosedAreSafe(t *testing.T) {
	var nilRec *Recorder
	nilRec.Offer(Record{Kind: "x"})
	nilRec.Close()

	r := NewRecorder(1, nil)
	r.Close()
	r.Offer(Record{Kind: "x"})
	r.Close()
}

func TestGormSink_Write(t *testing.T) {
	gdb := dbtest.Open(t)
	sink := NewGormSink(gdb)

	err := sink.Write(context.Background(), Record{SessionID: "s1", Kind: "task_changed", Agent: "lead", Payload: map[string]any{"op": "created"}})
	require.NoError(t, err)

	var rows []models.HistoryEvent
	require.NoError(t, gdb.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "task_changed", rows[0].Kind)
	assert.JSONEq(t, `{"op":"created"}`, rows[0].Payload)
}

func TestRedisSink_Write(t *testing.T) {
	mr := miniredis.RunT(t)

	sink, err := NewRedisSink(config.RedisConfig{Addr: mr.Addr(), Stream: "test:history", StreamMaxLen: 100})
	require.NoError(t, err)
	defer sink.Close()

	for _, kind := range []string{"message_sent", "turn_ended"} {
		require.NoError(t, sink.Write(context.Background(), Record{SessionID: "s1", Kind: kind, Agent: "w", Payload: map[string]int{"n": 1}}))
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	entries, err := client.XRange(context.Background(), "test:history", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "message_sent", entries[0].Values["kind"])
	assert.Equal(t, "s1", entries[0].Values["session_id"])
	assert.Equal(t, `{"n":1}`, entries[1].Values["payload"])
}

func TestNewRedisSink_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisSink(config.RedisConfig{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history: connect redis")
}
