package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	queue := NewInMemoryQueue()

	runId := uuid.New()
	require.NoError(t, queue.PublishPipelineTask(context.Background(), PipelineTaskPayload{RunId: runId}))

	task := <-queue.Tasks()
	assert.Equal(t, PipelineQueue, task.Type())

	var payload PipelineTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, runId, payload.RunId)
	assert.NoError(t, task.Ack())

	queue.Close()
	queue.Close()

	_, ok := <-queue.Tasks()
	assert.False(t, ok)
	assert.ErrorIs(t, queue.PublishPipelineTask(context.Background(), PipelineTaskPayload{RunId: runId}), ErrQueueClosed)
}

func TestInMemoryQueuePublishHonorsContext(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	for i := 0; i < cap(queue.tasks); i++ {
		require.NoError(t, queue.PublishPipelineTask(context.Background(), PipelineTaskPayload{RunId: uuid.New()}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, queue.PublishPipelineTask(ctx, PipelineTaskPayload{RunId: uuid.New()}), context.Canceled)
}
