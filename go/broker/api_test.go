package broker

import (
	"context"
	"testing"
	"time"

	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/stretchr/testify/require"
)

func testAPI(t *testing.T, node *config.Node) (*API, *brokerStub) {
	t.Helper()
	var client, stub = testClient(t, node)
	return NewAPI(client, node, ops.NewLogger()), stub
}

func TestSendMessageGathersAcknowledgements(t *testing.T) {
	var node = testNode(t, "node-a", config.RoleDefault)
	var api, _ = testAPI(t, node)
	var ctx = context.Background()

	// Acknowledge node-b's delivery as soon as the send shows up in the
	// outgoing log; node-c never acknowledges.
	go func() {
		for {
			var out = api.Client().Outgoing()
			if len(out) > 0 {
				var echo = out[0].clone()
				echo.Meta.AknID = "node-b"
				_ = api.Client().Receive(ctx, echo)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	acked, notAcked, err := api.SendMessage(ctx, []string{"node-b", "node-c"}, "hello", nil, SendOptions{
		AttemptTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"node-b"}, acked)
	require.Equal(t, []string{"node-c"}, notAcked)
}

func TestSendMessageRetriesUnacknowledgedReceivers(t *testing.T) {
	var node = testNode(t, "node-a", config.RoleDefault)
	var api, stub = testAPI(t, node)

	var _, notAcked, err = api.SendMessage(context.Background(), []string{"node-b"}, "hello", nil, SendOptions{
		MaxAttempts: 3,
		Timeout:     300 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"node-b"}, notAcked)

	// One broker POST per attempt, all carrying the same message ID.
	var posts = stub.envelopes()
	require.Len(t, posts, 3)
	require.Equal(t, posts[0].Message.Meta.ID, posts[1].Message.Meta.ID)
	require.Equal(t, posts[0].Message.Meta.ID, posts[2].Message.Meta.ID)
	require.Less(t, posts[0].Message.Meta.Number, posts[2].Message.Meta.Number)
}

func TestAwaitMessagesReturnsNilForSilentSenders(t *testing.T) {
	var node = testNode(t, "node-b", config.RoleDefault)
	var api, _ = testAPI(t, node)
	var ctx = context.Background()

	require.NoError(t, api.Client().Receive(ctx, &Message{
		Meta: Meta{ID: "node-a-1-x", Category: "results", Sender: "node-a", AknID: "node-b", Status: StatusUnread},
		Body: map[string]interface{}{"sum": float64(1)},
	}))

	var responses = api.AwaitMessages(ctx, []string{"node-a", "node-c"}, "results", "", 1500*time.Millisecond)
	require.Len(t, responses, 2)
	require.Len(t, responses["node-a"], 1)
	require.Nil(t, responses["node-c"])

	// Returned messages are marked read in the log.
	require.Empty(t, api.Messages(StatusUnread))
	require.Len(t, api.Messages(StatusRead), 1)
}

func TestDeleteMessagesErrorsOnUnknownID(t *testing.T) {
	var node = testNode(t, "node-b", config.RoleDefault)
	var api, _ = testAPI(t, node)
	var ctx = context.Background()

	require.NoError(t, api.Client().Receive(ctx, &Message{
		Meta: Meta{ID: "node-a-1-x", Category: "c", Sender: "node-a", AknID: "node-b", Status: StatusUnread},
		Body: map[string]interface{}{},
	}))

	n, err := api.DeleteMessages([]string{"node-a-1-x"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = api.DeleteMessages([]string{"no-such"})
	require.ErrorContains(t, err, "no-such")
}

func TestAggregatorID(t *testing.T) {
	var node = testNode(t, "node-a", config.RoleDefault)
	var api, _ = testAPI(t, node)

	api.participants = []Participant{
		{NodeID: "node-b", NodeType: string(config.RoleDefault)},
		{NodeID: "node-agg", NodeType: string(config.RoleAggregator)},
	}
	require.Equal(t, "node-agg", api.AggregatorID())
	require.ElementsMatch(t, []string{"node-b", "node-agg"}, api.ParticipantIDs())
}
