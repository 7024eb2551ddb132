package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPublisherRecordsEncodedMessages checks ids, topics and the JSON body.
func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "snapshots", map[string]any{"id": "snap-1", "item_count": 3})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "snapshots", msgs[0].Topic)
	assert.JSONEq(t, `{"id":"snap-1","item_count":3}`, string(msgs[0].Data))
	assert.Equal(t, `"payload"`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	assert.Equal(t, "snapshots", pub.Messages()[0].Topic, "Messages must return a copy")

	only := pub.Topic("audit")
	require.Len(t, only, 1)
	assert.Equal(t, "memory-2", only[0].ID)
	assert.Empty(t, pub.Topic("missing"))
}

// TestPublisherRejectsInvalidPublishes covers missing topics, unencodable
// payloads and canceled contexts.
func TestPublisherRejectsInvalidPublishes(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "snapshots", make(chan int))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "snapshots", "x")
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, pub.Messages())
}

// TestPublisherFailNext applies an injected failure to exactly one publish.
func TestPublisherFailNext(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailNext(assert.AnError)

	_, err := pub.Publish(context.Background(), "snapshots", "x")
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, pub.Messages())

	_, err = pub.Publish(context.Background(), "snapshots", "x")
	require.NoError(t, err)
	assert.Len(t, pub.Messages(), 1)
}
