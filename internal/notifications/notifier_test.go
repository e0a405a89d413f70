package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPusher struct {
	key    string
	values []interface{}
	err    error
}

func (r *recordingPusher) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if r.err != nil {
		return redis.NewIntResult(0, r.err)
	}
	r.key = key
	r.values = append(r.values, values...)
	return redis.NewIntResult(int64(len(r.values)), nil)
}

func TestRedisPublisherEnvelope(t *testing.T) {
	rdb := &recordingPusher{}
	pub := NewRedisPublisher(rdb, "notifications:assignment", log.New(io.Discard, "", 0))

	event := AssignmentEvent{TicketID: 5, TicketNumber: "TKT-000005", AssignedToID: 2, AssignedToName: "Ann", AssignedBy: "least_busy"}
	require.NoError(t, pub.NotifyAssignment(context.Background(), event))

	assert.Equal(t, "notifications:assignment", rdb.key)
	require.Len(t, rdb.values, 1)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(rdb.values[0].(string)), &env))
	assert.Equal(t, EventAssigned, env.Type)
	assert.NotEmpty(t, env.ID)
	var got AssignmentEvent
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, event, got)
}

func TestRedisPublisherError(t *testing.T) {
	pub := NewRedisPublisher(&recordingPusher{err: errors.New("down")}, "q", log.New(io.Discard, "", 0))
	assert.Error(t, pub.NotifyAssignment(context.Background(), AssignmentEvent{}))
}

func TestHubReplacesPerTicket(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	require.NoError(t, hub.NotifyAssignment(ctx, AssignmentEvent{TicketID: 1, AssignedToID: 3, Subject: "a"}))
	require.NoError(t, hub.NotifyAssignment(ctx, AssignmentEvent{TicketID: 1, AssignedToID: 3, Subject: "b"}))
	require.NoError(t, hub.NotifyAssignment(ctx, AssignmentEvent{TicketID: 2, AssignedToID: 3}))

	got := hub.Consume(3)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Subject)
	assert.Empty(t, hub.Consume(3))
}

func TestMultiJoinsErrors(t *testing.T) {
	hub := NewHub()
	failing := NewRedisPublisher(&recordingPusher{err: errors.New("down")}, "q", log.New(io.Discard, "", 0))
	err := Multi{hub, nil, failing}.NotifyAssignment(context.Background(), AssignmentEvent{TicketID: 1, AssignedToID: 1})
	assert.Error(t, err)
	assert.Len(t, hub.Consume(1), 1)
}
