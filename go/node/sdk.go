package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fedstar/core/go/broker"
	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/data"
	"github.com/fedstar/core/go/ops"
	"github.com/fedstar/core/go/store"
)

// FinishedCategory is the broadcast which terminates an analysis. Receipt
// over the webhook flips the node's finished flag.
const FinishedCategory = "analysis_finished"

// Options tune the bootstrap.
type Options struct {
	// WithData forces the data client even on an aggregator. Analyzer
	// nodes always get one.
	WithData bool
	// ListenAddr overrides the webhook listen address (default :8000).
	ListenAddr string
}

// SDK is the analysis-facing handle over the whole node: identity,
// messaging, storage, data access and operational logging. There is
// exactly one SDK per process, owned by whoever called Bootstrap.
type SDK struct {
	node   *config.Node
	logger *ops.Logger

	messaging *broker.API
	storage   *store.API
	data      *data.Client
	stream    *ops.StreamClient
	server    *Server
	addr      string
}

// Bootstrap brings the node up: environment, ingress wait, broker
// handshake, storage and data connections, log streaming, webhook server.
// On a dependency failure after the environment parse, the node enters the
// stuck state with the health endpoint still served, so the platform can
// observe the failure; the returned error tells the caller not to start
// the analysis.
func Bootstrap(ctx context.Context, opts Options) (*SDK, error) {
	var env, err = config.FromEnv()
	if err != nil {
		return nil, err
	}

	var sdk = &SDK{
		node:   config.NewNode(env),
		logger: ops.NewLogger(),
	}
	sdk.logger.Info("node starting")

	if err = sdk.connect(ctx, opts); err != nil {
		sdk.logger.SetRunStatus(config.StateStuck)
		sdk.logger.Logf("error", "bootstrap of analysis %s failed: %v", env.AnalysisID, err)
		sdk.startServer(opts)
		return sdk, err
	}

	sdk.startServer(opts)
	sdk.logger.SetRunStatus(config.StateRunning)
	sdk.logger.Info("node ready")
	return sdk, nil
}

func (s *SDK) connect(ctx context.Context, opts Options) error {
	var env = s.node.Env
	if err := waitForIngress(ctx, env.IngressHost()); err != nil {
		return err
	}

	var brokerClient = broker.NewClient(s.node, s.logger)
	s.messaging = broker.NewAPI(brokerClient, s.node, s.logger)
	if err := s.messaging.Connect(ctx); err != nil {
		return err
	}

	var storeClient = store.NewClient(s.node, s.logger)
	if err := storeClient.Ping(ctx); err != nil {
		return err
	}
	s.storage = store.NewAPI(storeClient, s.node)

	if s.node.Role() == config.RoleDefault || opts.WithData {
		s.data = data.NewClient(s.node, s.logger)
		if err := s.data.Connect(ctx); err != nil {
			return err
		}
	}

	s.stream = ops.NewStreamClient(env.IngressHost(), env.AnalysisID, env.PlatformToken)
	s.logger.Attach(s.stream)
	return nil
}

func (s *SDK) startServer(opts Options) {
	var refreshers []tokenRefresher
	var brokerClient *broker.Client
	if s.messaging != nil {
		brokerClient = s.messaging.Client()
		refreshers = append(refreshers, brokerClient)
	}
	if s.storage != nil {
		refreshers = append(refreshers, s.storage.Client())
	}
	if s.data != nil {
		refreshers = append(refreshers, s.data)
	}
	if s.stream != nil {
		refreshers = append(refreshers, s.stream)
	}

	s.server = NewServer(s.node, s.logger, brokerClient, refreshers...)
	addr, err := s.server.Start(opts.ListenAddr)
	if err != nil {
		s.logger.Logf("error", "starting webhook server: %v", err)
		return
	}
	s.addr = addr
}

// waitForIngress polls the ingress health endpoint at 1s cadence until it
// answers. The node is useless without ingress, so only ctx bounds the wait.
func waitForIngress(ctx context.Context, host string) error {
	var client = &http.Client{Timeout: 5 * time.Second}
	for {
		var req, err = http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("http://%s/healthz", host), nil)
		if err != nil {
			return fmt.Errorf("building ingress probe: %w", err)
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for ingress %s: %w", host, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Identity accessors.

func (s *SDK) AnalysisID() string { return s.node.Env.AnalysisID }
func (s *SDK) ProjectID() string  { return s.node.Env.ProjectID }
func (s *SDK) ID() string         { return s.node.NodeID() }
func (s *SDK) Role() config.Role  { return s.node.Role() }
func (s *SDK) Finished() bool     { return s.node.Finished() }

// Logger returns the node's operational logger.
func (s *SDK) Logger() *ops.Logger { return s.logger }

// Participants returns every other node in the analysis.
func (s *SDK) Participants() []broker.Participant { return s.messaging.Participants() }

// ParticipantIDs returns the node IDs of every other node.
func (s *SDK) ParticipantIDs() []string { return s.messaging.ParticipantIDs() }

// AggregatorID returns the aggregator's node ID, or "" if this node is it.
func (s *SDK) AggregatorID() string { return s.messaging.AggregatorID() }

// AnalysisFinished broadcasts the terminating signal to every participant
// and marks this node finished. Progress jumps to 100.
func (s *SDK) AnalysisFinished(ctx context.Context) error {
	if ids := s.ParticipantIDs(); len(ids) > 0 {
		var _, notAcked, err = s.messaging.SendMessage(ctx, ids, FinishedCategory, map[string]interface{}{}, broker.SendOptions{
			MaxAttempts:    5,
			AttemptTimeout: 30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("broadcasting analysis finish: %w", err)
		}
		if len(notAcked) > 0 {
			s.logger.Logf("warning", "analysis finish not acknowledged by %v", notAcked)
		}
	}

	s.node.Finish()
	s.logger.SetProgress(100)
	s.logger.Info("analysis finished")
	return nil
}

// ReadyCheck sends ready_check to the nodes on the attempt cadence until
// every one acknowledged or the timeout expires (zero waits indefinitely).
// The returned map holds one readiness flag per node.
func (s *SDK) ReadyCheck(ctx context.Context, nodes []string, attemptInterval, timeout time.Duration) (map[string]bool, error) {
	if len(nodes) == 0 {
		nodes = s.ParticipantIDs()
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes to ready-check")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var ready = make(map[string]bool, len(nodes))
	var pending []string
	for _, n := range nodes {
		ready[n] = false
		pending = append(pending, n)
	}

	for len(pending) > 0 && ctx.Err() == nil {
		var acked, notAcked, err = s.messaging.SendMessage(ctx, pending, "ready_check", map[string]interface{}{}, broker.SendOptions{
			Timeout:     attemptInterval,
			MaxAttempts: 1,
		})
		if err != nil {
			return ready, err
		}
		for _, n := range acked {
			ready[n] = true
		}
		pending = notAcked

		if len(pending) > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return ready, nil
}

// NodeStatus probes the nodes (every participant, if none are given) with
// a status check and reports "online" for those acknowledging within the
// timeout, "not_connected" otherwise.
func (s *SDK) NodeStatus(ctx context.Context, nodes []string, timeout time.Duration) (map[string]string, error) {
	if len(nodes) == 0 {
		nodes = s.ParticipantIDs()
	}
	if len(nodes) == 0 {
		return map[string]string{}, nil
	}

	var acked, notAcked, err = s.messaging.SendMessage(ctx, nodes, "node_status_check", map[string]interface{}{}, broker.SendOptions{
		Timeout:     timeout,
		MaxAttempts: 1,
	})
	if err != nil {
		return nil, err
	}

	var out = make(map[string]string, len(nodes))
	for _, n := range acked {
		out[n] = "online"
	}
	for _, n := range notAcked {
		out[n] = "not_connected"
	}
	return out, nil
}

// Messaging pass-throughs.

func (s *SDK) SendMessage(ctx context.Context, receivers []string, category string, body map[string]interface{}, opts broker.SendOptions) ([]string, []string, error) {
	return s.messaging.SendMessage(ctx, receivers, category, body, opts)
}

func (s *SDK) AwaitMessages(ctx context.Context, senders []string, category, messageID string, timeout time.Duration) map[string][]*broker.Message {
	return s.messaging.AwaitMessages(ctx, senders, category, messageID, timeout)
}

func (s *SDK) SendAndAwait(ctx context.Context, receivers []string, category string, body map[string]interface{}, opts broker.SendOptions) (map[string][]*broker.Message, error) {
	return s.messaging.SendAndAwait(ctx, receivers, category, body, opts)
}

func (s *SDK) Messages(status broker.Status) []*broker.Message { return s.messaging.Messages(status) }

func (s *SDK) DeleteMessages(ids []string) (int, error) { return s.messaging.DeleteMessages(ids) }

func (s *SDK) ClearMessages(status string, minAge time.Duration) int {
	return s.messaging.ClearMessages(status, minAge)
}

// Storage pass-throughs.

func (s *SDK) SubmitFinalResult(ctx context.Context, result interface{}, output store.Output, dp *store.LocalDP) (string, error) {
	return s.storage.SubmitFinalResult(ctx, result, output, dp)
}

func (s *SDK) SaveIntermediateData(ctx context.Context, location store.Location, payload interface{}, tag string, recipients []string) (store.Saved, error) {
	return s.storage.SaveIntermediate(ctx, location, payload, tag, recipients)
}

func (s *SDK) GetIntermediateData(ctx context.Context, location store.Location, id, senderNodeID string) (interface{}, error) {
	return s.storage.GetIntermediate(ctx, location, id, senderNodeID)
}

func (s *SDK) GetTaggedData(ctx context.Context, tag string, option store.TagOption) ([]interface{}, error) {
	return s.storage.GetTagged(ctx, tag, option)
}

func (s *SDK) LocalTags(ctx context.Context, filter string) ([]store.Tag, error) {
	return s.storage.LocalTags(ctx, filter)
}

// SendIntermediateData saves the payload to global storage and notifies
// the receivers with a message carrying the resulting id. With encryption,
// the store is called once per receiver and the message carries the
// per-recipient id map instead.
func (s *SDK) SendIntermediateData(ctx context.Context, receivers []string, payload interface{}, category string, opts broker.SendOptions, encrypted bool) ([]string, []string, error) {
	var recipients []string
	if encrypted {
		recipients = receivers
	}
	var saved, err = s.storage.SaveIntermediate(ctx, store.LocationGlobal, payload, "", recipients)
	if err != nil {
		return nil, nil, err
	}

	return s.messaging.SendMessage(ctx, receivers, category, map[string]interface{}{
		"result_id": saved.ResultID(),
	}, opts)
}

// AwaitIntermediateData waits for result notifications from the senders
// and fetches each payload from global storage. Senders which did not
// deliver in time, or whose artifact could not be fetched, map to nil.
func (s *SDK) AwaitIntermediateData(ctx context.Context, senders []string, category string, timeout time.Duration) map[string]interface{} {
	var out = make(map[string]interface{}, len(senders))
	for _, sender := range senders {
		out[sender] = nil
	}

	for sender, msgs := range s.messaging.AwaitMessages(ctx, senders, category, "", timeout) {
		if len(msgs) == 0 {
			continue
		}

		var id, err = s.resultID(msgs[len(msgs)-1])
		if err != nil {
			s.logger.Logf("warning", "intermediate data from %s: %v", sender, err)
			continue
		}
		payload, err := s.storage.GetIntermediate(ctx, store.LocationGlobal, id, sender)
		if err != nil {
			s.logger.Logf("warning", "fetching intermediate data %s from %s: %v", id, sender, err)
			continue
		}
		out[sender] = payload
	}
	return out
}

// resultID extracts the artifact id from a result notification: a plain
// string, or this node's entry in the per-recipient map under encryption.
func (s *SDK) resultID(msg *broker.Message) (string, error) {
	switch v := msg.Body["result_id"].(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		var id, ok = v[s.node.NodeID()].(string)
		if !ok {
			return "", fmt.Errorf("message %s has no result id for this node", msg.Meta.ID)
		}
		return id, nil
	default:
		return "", fmt.Errorf("message %s carries no result id", msg.Meta.ID)
	}
}

// Data pass-throughs.

func (s *SDK) requireData() (*data.Client, error) {
	if s.data == nil {
		return nil, fmt.Errorf("data client is not initialized for this role")
	}
	return s.data, nil
}

func (s *SDK) DataSources() ([]data.Source, error) {
	var client, err = s.requireData()
	if err != nil {
		return nil, err
	}
	return client.Sources(), nil
}

func (s *SDK) FHIRData(ctx context.Context, queries []string) ([]map[string]interface{}, error) {
	var client, err = s.requireData()
	if err != nil {
		return nil, err
	}
	return client.FHIR(ctx, queries)
}

func (s *SDK) S3Data(ctx context.Context, keys []string) ([]map[string][]byte, error) {
	var client, err = s.requireData()
	if err != nil {
		return nil, err
	}
	return client.S3(ctx, keys)
}

func (s *SDK) DataClient(dataID string) (*data.SourceClient, error) {
	var client, err = s.requireData()
	if err != nil {
		return nil, err
	}
	return client.SourceClient(dataID)
}

// Run executes the analysis function and reconciles the run state after it
// returns: an error, or a return without the node finished, flips the
// state to failed so the health endpoint reports it.
func (s *SDK) Run(fn func() error) error {
	var err = fn()
	if err != nil {
		s.logger.SetRunStatus(config.StateFailed)
		s.logger.Logf("error", "analysis failed: %v", err)
		return err
	}
	if !s.node.Finished() {
		s.logger.SetRunStatus(config.StateFailed)
		s.logger.Error("analysis returned without finishing")
		return fmt.Errorf("analysis returned without finishing")
	}
	return nil
}
