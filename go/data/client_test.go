package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	var node = config.NewNode(&config.Environment{
		AnalysisID:      "an-1",
		ProjectID:       "pr-1",
		DeploymentName:  "dep-1",
		PlatformToken:   "tok",
		DataSourceToken: "apikey-1",
	})
	require.NoError(t, node.SetIdentity("node-a", config.RoleDefault))

	var server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	var client = NewClient(node, ops.NewLogger())
	client.kongURL = server.URL + "/kong"
	client.hubURL = server.URL + "/hub-adapter"
	return client
}

func discoveryMux(t *testing.T, sources []Source) *http.ServeMux {
	t.Helper()
	var mux = http.NewServeMux()
	mux.HandleFunc("GET /hub-adapter/kong/datastore/pr-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string][]Source{"data": sources})
	})
	return mux
}

func TestConnectDiscoversSources(t *testing.T) {
	var sources = []Source{
		{ID: "src-1", Name: "hospital-a", Paths: []string{"http://hospital-a/fhir"}},
		{ID: "src-2", Name: "hospital-b", Paths: []string{"http://hospital-b/fhir"}},
	}
	var client = testClient(t, discoveryMux(t, sources))

	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, sources, client.Sources())
}

func TestFHIRSkipsFailingSources(t *testing.T) {
	var mux = discoveryMux(t, []Source{
		{ID: "src-1", Name: "hospital-a"},
		{ID: "src-2", Name: "hospital-b"},
	})
	mux.HandleFunc("GET /kong/hospital-a/fhir/{query}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "apikey-1", r.Header.Get("apikey"))
		json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Bundle", "total": 3})
	})
	mux.HandleFunc("GET /kong/hospital-b/fhir/{query}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	var client = testClient(t, mux)
	var ctx = context.Background()
	require.NoError(t, client.Connect(ctx))

	results, err := client.FHIR(ctx, []string{"Patient?_count=10"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The healthy source answered; the failing one yields an empty map,
	// not an error.
	require.Contains(t, results[0], "Patient?_count=10")
	require.Empty(t, results[1])

	_, err = client.FHIR(ctx, nil)
	require.ErrorContains(t, err, "at least one query")
}

func TestS3FetchesMatchingKeys(t *testing.T) {
	var mux = discoveryMux(t, []Source{{ID: "src-1", Name: "lake"}})
	mux.HandleFunc("GET /kong/lake/s3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ListBucketResult><Contents><Key>train.csv</Key></Contents><Contents><Key>test.csv</Key></Contents></ListBucketResult>`)
	})
	mux.HandleFunc("GET /kong/lake/s3/{key}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "contents of %s", r.PathValue("key"))
	})

	var client = testClient(t, mux)
	var ctx = context.Background()
	require.NoError(t, client.Connect(ctx))

	results, err := client.S3(ctx, []string{"train.csv"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, map[string][]byte{"train.csv": []byte("contents of train.csv")}, results[0])

	// An empty filter fetches every key.
	all, err := client.S3(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all[0], 2)
}

func TestS3FailuresAreFatal(t *testing.T) {
	var mux = discoveryMux(t, []Source{{ID: "src-1", Name: "lake"}})
	mux.HandleFunc("GET /kong/lake/s3", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	var client = testClient(t, mux)
	var ctx = context.Background()
	require.NoError(t, client.Connect(ctx))

	var _, err = client.S3(ctx, nil)
	require.ErrorContains(t, err, "listing s3 keys")
}

func TestSourceClient(t *testing.T) {
	var client = testClient(t, discoveryMux(t, []Source{
		{ID: "src-1", Name: "hospital-a", Paths: []string{"http://hospital-a/fhir"}},
		{ID: "src-3", Name: "empty"},
	}))
	require.NoError(t, client.Connect(context.Background()))

	handle, err := client.SourceClient("src-1")
	require.NoError(t, err)
	require.Equal(t, "http://hospital-a/fhir", handle.BaseURL())

	_, err = client.SourceClient("src-3")
	require.ErrorContains(t, err, "no paths")

	_, err = client.SourceClient("missing")
	require.ErrorContains(t, err, "not found")
}
