package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/fedstar/core/go/broker"
	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/fedstar/core/go/store"
	"github.com/stretchr/testify/require"
)

func TestBootstrapStuckWhenIngressUnreachable(t *testing.T) {
	t.Setenv("ANALYSIS_ID", "an-1")
	t.Setenv("PROJECT_ID", "pr-1")
	t.Setenv("DEPLOYMENT_NAME", "no-such-host.invalid")
	t.Setenv("KEYCLOAK_TOKEN", "tok")
	t.Setenv("DATA_SOURCE_TOKEN", "apikey-1")

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	sdk, err := Bootstrap(ctx, Options{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err)
	require.NotNil(t, sdk)
	require.Equal(t, config.StateStuck, sdk.logger.RunStatus())

	// The health endpoint is still served so the platform can observe
	// the stuck state; the webhook refuses deliveries.
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", sdk.addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	var got health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, config.StateStuck, got.Status)

	hook, err := http.Post(fmt.Sprintf("http://%s/webhook", sdk.addr), "application/json", nil)
	require.NoError(t, err)
	hook.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, hook.StatusCode)
}

func TestBootstrapRequiresEnvironment(t *testing.T) {
	t.Setenv("ANALYSIS_ID", "")
	var _, err = Bootstrap(context.Background(), Options{})
	require.Error(t, err)
}

func testSDK(t *testing.T) *SDK {
	t.Helper()
	var node = testNode(t, "tok")
	var logger = ops.NewLogger()
	return &SDK{
		node:      node,
		logger:    logger,
		messaging: broker.NewAPI(broker.NewClient(node, logger), node, logger),
	}
}

func TestRunReconcilesRunState(t *testing.T) {
	var sdk = testSDK(t)
	var err = sdk.Run(func() error { return fmt.Errorf("boom") })
	require.ErrorContains(t, err, "boom")
	require.Equal(t, config.StateFailed, sdk.logger.RunStatus())

	// Returning cleanly without finishing is also a failure.
	sdk = testSDK(t)
	err = sdk.Run(func() error { return nil })
	require.ErrorContains(t, err, "without finishing")
	require.Equal(t, config.StateFailed, sdk.logger.RunStatus())

	sdk = testSDK(t)
	err = sdk.Run(func() error { sdk.node.Finish(); return nil })
	require.NoError(t, err)
}

func TestAnalysisFinishedWithoutParticipants(t *testing.T) {
	var sdk = testSDK(t)
	require.NoError(t, sdk.AnalysisFinished(context.Background()))
	require.True(t, sdk.Finished())
	require.Equal(t, 100, sdk.logger.Progress())
}

// ackAsPeer watches the outgoing log for the first message of the category
// and feeds its acknowledgement echo back into the client as the peer.
func ackAsPeer(client *broker.Client, category, peer string) chan struct{} {
	var done = make(chan struct{})
	go func() {
		defer close(done)
		for {
			for _, m := range client.Outgoing() {
				if m.Meta.Category != category {
					continue
				}
				m.Meta.AknID = peer
				_ = client.Receive(context.Background(), m)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return done
}

func TestReadyCheckReportsSilentPeers(t *testing.T) {
	var sdk = testSDK(t)
	var done = ackAsPeer(sdk.messaging.Client(), "ready_check", "node-b")

	// node-b acknowledges the readiness probe, node-c never answers; the
	// returned map carries one flag per probed node.
	ready, err := sdk.ReadyCheck(context.Background(), []string{"node-b", "node-c"}, time.Second, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"node-b": true, "node-c": false}, ready)
	<-done

	_, err = sdk.ReadyCheck(context.Background(), nil, time.Second, time.Second)
	require.ErrorContains(t, err, "no nodes")
}

func TestNodeStatusProbe(t *testing.T) {
	var sdk = testSDK(t)
	var done = ackAsPeer(sdk.messaging.Client(), "node_status_check", "node-b")

	status, err := sdk.NodeStatus(context.Background(), []string{"node-b", "node-c"}, 2500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"node-b": "online", "node-c": "not_connected"}, status)
	<-done

	// Without explicit nodes and without participants there is nothing to
	// probe.
	status, err = sdk.NodeStatus(context.Background(), nil, time.Second)
	require.NoError(t, err)
	require.Empty(t, status)
}

func TestAwaitIntermediateDataSkipsUnfetchablePeers(t *testing.T) {
	var sdk = testSDK(t)
	sdk.storage = store.NewAPI(store.NewClient(sdk.node, sdk.logger), sdk.node)

	require.NoError(t, sdk.messaging.Client().Receive(context.Background(), &broker.Message{
		Meta: broker.Meta{
			ID: "node-b-1-x", Category: "intermediate_results", Sender: "node-b",
			AknID: "node-a", Status: broker.StatusUnread,
		},
		Body: map[string]interface{}{"result_id": "obj-1"},
	}))

	// The notification is consumed, but the artifact fetch fails (the store
	// is unreachable), so the sender maps to nil instead of erroring.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out = sdk.AwaitIntermediateData(ctx, []string{"node-b"}, "intermediate_results", 2*time.Second)
	require.Equal(t, map[string]interface{}{"node-b": nil}, out)
	require.Empty(t, sdk.Messages(broker.StatusUnread))
}

func TestResultIDExtraction(t *testing.T) {
	var sdk = testSDK(t)

	var plain = &broker.Message{Meta: broker.Meta{ID: "m-1"}, Body: map[string]interface{}{"result_id": "obj-1"}}
	id, err := sdk.resultID(plain)
	require.NoError(t, err)
	require.Equal(t, "obj-1", id)

	// Encrypted notifications carry a per-recipient map; this node reads
	// only its own entry.
	var encrypted = &broker.Message{Meta: broker.Meta{ID: "m-2"}, Body: map[string]interface{}{
		"result_id": map[string]interface{}{"node-a": "obj-2", "node-b": "obj-3"},
	}}
	id, err = sdk.resultID(encrypted)
	require.NoError(t, err)
	require.Equal(t, "obj-2", id)

	var foreign = &broker.Message{Meta: broker.Meta{ID: "m-3"}, Body: map[string]interface{}{
		"result_id": map[string]interface{}{"node-z": "obj-4"},
	}}
	_, err = sdk.resultID(foreign)
	require.ErrorContains(t, err, "no result id for this node")

	var missing = &broker.Message{Meta: broker.Meta{ID: "m-4"}, Body: map[string]interface{}{}}
	_, err = sdk.resultID(missing)
	require.ErrorContains(t, err, "no result id")

	_, err = sdk.requireData()
	require.ErrorContains(t, err, "not initialized")
}
