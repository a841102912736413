package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"marine-detect/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextTask(t *testing.T, reciever messaging.Reciever) messaging.Task {
	select {
	case task := <-reciever.Tasks():
		return task
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for task")
		return nil
	}
}

func TestRabbitMQPipelineQueue(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := setupRabbitMQContainer(t, ctx)

	publisher, err := messaging.NewRabbitMQPublisher(url)
	require.NoError(t, err)
	defer publisher.Close()

	reciever, err := messaging.NewRabbitMQReceiver(url)
	require.NoError(t, err)
	defer reciever.Close()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, publisher.PublishPipelineTask(ctx, messaging.PipelineTaskPayload{RunId: first}))
	require.NoError(t, publisher.PublishPipelineTask(ctx, messaging.PipelineTaskPayload{RunId: second}))

	for _, expected := range []uuid.UUID{first, second} {
		task := nextTask(t, reciever)
		assert.Equal(t, messaging.PipelineQueue, task.Type())

		var payload messaging.PipelineTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		assert.Equal(t, expected, payload.RunId)
		require.NoError(t, task.Ack())
	}
}
