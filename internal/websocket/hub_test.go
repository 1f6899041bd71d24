package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/api/internal/model"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_FansOutPerProject(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	watcher := &Client{ProjectID: "p1", Send: make(chan []byte, 4)}
	other := &Client{ProjectID: "p2", Send: make(chan []byte, 4)}
	hub.Register(watcher)
	hub.Register(other)

	hub.StageChanged("p1", model.StageOutcome{
		Stage:     model.StageMedia,
		Status:    model.OutcomeFailed,
		Attempts:  3,
		ErrorKind: "upstream-dependency-error",
	})

	var stage model.WSStageMessage
	require.NoError(t, json.Unmarshal(receive(t, watcher), &stage))
	assert.Equal(t, model.WSMessageTypeStage, stage.Type)
	assert.Equal(t, model.StageMedia, stage.Stage)
	assert.Equal(t, 3, stage.Attempt)
	assert.Equal(t, "upstream-dependency-error", stage.ErrorKind)

	exec := model.NewExecution("p1", time.Now())
	exec.Status = model.ProjectStatusPartiallyCompleted
	hub.PipelineFinished(exec)

	var done model.WSCompleteMessage
	require.NoError(t, json.Unmarshal(receive(t, watcher), &done))
	assert.Equal(t, model.WSMessageTypeComplete, done.Type)
	require.NotNil(t, done.Execution)
	assert.Equal(t, model.ProjectStatusPartiallyCompleted, done.Execution.Status)

	hub.Unregister(other)
	_, open := <-other.Send
	assert.False(t, open)
}
