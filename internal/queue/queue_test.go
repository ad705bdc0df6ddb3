package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: "alert", Body: []byte(`{"n":1}`)}))
	require.NoError(t, q.Publish(ctx, Message{Type: "alert", Body: []byte(`{"n":2}`)}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case msg := <-msgs:
			assert.Equal(t, "alert", msg.Type)
			assert.JSONEq(t, want, string(msg.Body))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: "alert", Body: []byte(`{}`)}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Message{Type: "alert", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerializeRoundTripKeepsSeparatorsInBody(t *testing.T) {
	raw, err := serialize(Message{Type: "alert", Body: []byte(`{"message":"a|b"}`)})
	require.NoError(t, err)

	msg, err := deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, "alert", msg.Type)
	assert.JSONEq(t, `{"message":"a|b"}`, string(msg.Body))

	_, err = deserialize("alert|not json")
	assert.Error(t, err)
}
