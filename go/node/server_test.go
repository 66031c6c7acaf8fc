package node

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fedstar/core/go/broker"
	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/stretchr/testify/require"
)

func unsignedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	var header = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	var claims, err = json.Marshal(map[string]interface{}{"exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "."
}

func testNode(t *testing.T, token string) *config.Node {
	t.Helper()
	var node = config.NewNode(&config.Environment{
		AnalysisID:      "an-1",
		ProjectID:       "pr-1",
		DeploymentName:  "dep-1",
		PlatformToken:   token,
		DataSourceToken: "apikey-1",
	})
	require.NoError(t, node.SetIdentity("node-a", config.RoleDefault))
	return node
}

type health struct {
	Status                config.RunState `json:"status"`
	Progress              int             `json:"progress"`
	TokenRemainingSeconds int             `json:"token_remaining_seconds"`
}

func getHealth(t *testing.T, router http.Handler) health {
	t.Helper()
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthReportsStatusProgressAndToken(t *testing.T) {
	var node = testNode(t, unsignedToken(t, time.Now().Add(time.Hour)))
	var logger = ops.NewLogger()
	logger.SetRunStatus(config.StateRunning)
	logger.SetProgress(40)

	var router = NewServer(node, logger, broker.NewClient(node, logger)).Router()

	var got = getHealth(t, router)
	require.Equal(t, config.StateRunning, got.Status)
	require.Equal(t, 40, got.Progress)
	require.InDelta(t, 3600, got.TokenRemainingSeconds, 5)

	// The finished flag overrides the run status.
	node.Finish()
	require.Equal(t, config.StateFinished, getHealth(t, router).Status)
}

func TestStuckNodeServesHealthButRefusesWebhook(t *testing.T) {
	var node = testNode(t, "not-a-jwt")
	var logger = ops.NewLogger()
	logger.SetRunStatus(config.StateStuck)

	var router = NewServer(node, logger, nil).Router()

	var got = getHealth(t, router)
	require.Equal(t, config.StateStuck, got.Status)
	require.Zero(t, got.TokenRemainingSeconds)

	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(`{"meta":{}}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookIngestsDeliveries(t *testing.T) {
	var node = testNode(t, "tok")
	var logger = ops.NewLogger()
	var brokerClient = broker.NewClient(node, logger)
	var router = NewServer(node, logger, brokerClient).Router()

	var msg = broker.Message{
		Meta: broker.Meta{
			ID: "node-b-1-x", Category: "results", Sender: "node-b",
			AknID: "node-a", Status: broker.StatusUnread,
		},
		Body: map[string]interface{}{"sum": float64(7)},
	}
	var body, err = json.Marshal(&msg)
	require.NoError(t, err)

	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, brokerClient.Messages(broker.StatusUnread), 1)
	require.False(t, node.Finished())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", bytes.NewBufferString("not json")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookFinishedBroadcastFlipsNode(t *testing.T) {
	var node = testNode(t, "tok")
	var logger = ops.NewLogger()
	var router = NewServer(node, logger, broker.NewClient(node, logger)).Router()

	var msg = broker.Message{
		Meta: broker.Meta{
			ID: "node-agg-9-x", Category: FinishedCategory, Sender: "node-agg",
			AknID: "node-a", Status: broker.StatusUnread,
		},
		Body: map[string]interface{}{},
	}
	var body, err = json.Marshal(&msg)
	require.NoError(t, err)

	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, node.Finished())
	require.Equal(t, 100, logger.Progress())
}

type recordingRefresher struct {
	tokens []string
}

func (r *recordingRefresher) RefreshToken(token string) { r.tokens = append(r.tokens, token) }

func TestTokenRefresh(t *testing.T) {
	var node = testNode(t, "tok")
	var logger = ops.NewLogger()
	var first, second = new(recordingRefresher), new(recordingRefresher)
	var server = NewServer(node, logger, broker.NewClient(node, logger), first, second)
	var router = server.Router()

	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/token_refresh", bytes.NewBufferString(`{"token":"tok-2"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"tok-2"}, first.tokens)
	require.Equal(t, []string{"tok-2"}, second.tokens)
	require.Equal(t, "tok-2", server.currentToken())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/token_refresh", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/token_refresh", bytes.NewBufferString("oops")))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	var node = testNode(t, "tok")
	var logger = ops.NewLogger()
	var router = NewServer(node, logger, broker.NewClient(node, logger)).Router()

	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
