package taskrun

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestConn(t *testing.T) *nats.Conn {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping NATS task runner tests")
	}

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSClient_ServeRoundTrip(t *testing.T) {
	nc := getTestConn(t)
	prefix := "tasks-test-" + time.Now().Format("150405.000000")

	sub, err := Serve(nc, prefix, NewLocal())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	c := NewNATSClient(nc, prefix)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := c.Trigger(ctx, TaskText, map[string]any{"value": "over the bus"})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	s := waitTerminal(t, c, handle)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, "over the bus", s.Output.(map[string]any)["result"])

	_, err = c.Trigger(ctx, "unknown-task", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestTriggerHandle(t *testing.T) {
	handle, err := triggerHandle(TaskText, &natsReply{Status: Status{Handle: "run_1"}})
	require.NoError(t, err)
	assert.Equal(t, "run_1", handle)

	_, err = triggerHandle(TaskText, &natsReply{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task handle")
}
