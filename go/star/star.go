// Package star runs the star-topology analysis protocol: a readiness
// barrier, then iterated analyze / aggregate rounds between the analyzer
// nodes and the single aggregator, until convergence.
package star

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fedstar/core/go/broker"
	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/fedstar/core/go/store"
	"github.com/nsf/jsondiff"
)

// Message categories of the protocol.
const (
	CategoryIntermediate = "intermediate_results"
	CategoryAggregated   = "aggregated_results"
)

// readyAttemptBudget bounds one readiness attempt; attempts repeat until
// the peer acknowledges.
const readyAttemptBudget = 120 * time.Second

// aggregatedWait bounds one analyzer wait for the aggregator's broadcast.
const aggregatedWait = 300 * time.Second

// Analyzer is the user's per-node computation: local data in, partial
// result out. aggregated is nil on the first iteration.
type Analyzer interface {
	Analyze(ctx context.Context, data interface{}, aggregated interface{}, simple bool) (interface{}, error)
}

// Aggregator combines the analyzers' partial results into the next global
// state and decides convergence.
type Aggregator interface {
	Aggregate(ctx context.Context, results map[string]interface{}, simple bool) (aggregated interface{}, converged bool, err error)
}

// DataType selects how an analyzer fetches its input.
type DataType string

const (
	DataFHIR DataType = "fhir"
	DataS3   DataType = "s3"
)

// Config describes one star analysis run. Exactly one of Analyzer or
// Aggregator must match the node's role.
type Config struct {
	Analyzer   Analyzer
	Aggregator Aggregator

	// DataType and Queries configure the analyzer's one-time data fetch.
	DataType DataType
	Queries  []string

	// SimpleAnalysis forces convergence after a single round.
	SimpleAnalysis bool
	// Encrypted saves intermediate artifacts once per recipient.
	Encrypted bool

	// Output and DP apply to the aggregator's final submission.
	Output store.Output
	DP     *store.LocalDP
}

// Handle is the slice of the SDK the orchestrator needs. *node.SDK
// implements it.
type Handle interface {
	ID() string
	Role() config.Role
	Finished() bool
	Logger() *ops.Logger

	Participants() []broker.Participant
	AggregatorID() string

	SendMessage(ctx context.Context, receivers []string, category string, body map[string]interface{}, opts broker.SendOptions) (acked, notAcked []string, err error)
	ReadyCheck(ctx context.Context, nodes []string, attemptInterval, timeout time.Duration) (map[string]bool, error)

	SendIntermediateData(ctx context.Context, receivers []string, payload interface{}, category string, opts broker.SendOptions, encrypted bool) (acked, notAcked []string, err error)
	AwaitIntermediateData(ctx context.Context, senders []string, category string, timeout time.Duration) map[string]interface{}

	SubmitFinalResult(ctx context.Context, result interface{}, output store.Output, dp *store.LocalDP) (string, error)
	AnalysisFinished(ctx context.Context) error

	FHIRData(ctx context.Context, queries []string) ([]map[string]interface{}, error)
	S3Data(ctx context.Context, keys []string) ([]map[string][]byte, error)
}

// Run executes the role's side of the protocol and blocks until the
// analysis converges or fails. The role implementation is picked by the
// node's broker-assigned role; a mismatch with the Config is fatal before
// the barrier.
func Run(ctx context.Context, h Handle, cfg Config) error {
	switch h.Role() {
	case config.RoleAggregator:
		if cfg.Aggregator == nil {
			return fmt.Errorf("node role is aggregator but no Aggregator was configured")
		}
		return runAggregator(ctx, h, cfg)
	case config.RoleDefault:
		if cfg.Analyzer == nil {
			return fmt.Errorf("node role is default but no Analyzer was configured")
		}
		return runAnalyzer(ctx, h, cfg)
	default:
		return fmt.Errorf("unknown node role %q", h.Role())
	}
}

// analyzerIDs returns the non-aggregator participants.
func analyzerIDs(h Handle) []string {
	var out []string
	for _, p := range h.Participants() {
		if config.Role(p.NodeType) != config.RoleAggregator {
			out = append(out, p.NodeID)
		}
	}
	return out
}

func runAggregator(ctx context.Context, h Handle, cfg Config) error {
	var analyzers = analyzerIDs(h)
	if len(analyzers) == 0 {
		return fmt.Errorf("analysis has no analyzer nodes")
	}

	// Barrier: keep probing on a 1s cadence, union-merging acknowledgers
	// into the ready set until it covers every analyzer.
	h.Logger().Info("waiting for analyzers to become ready")
	if _, err := h.ReadyCheck(ctx, analyzers, time.Second, 0); err != nil {
		return fmt.Errorf("readiness barrier: %w", err)
	}

	for round := 1; ; round++ {
		var results = h.AwaitIntermediateData(ctx, analyzers, CategoryIntermediate, 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A peer whose artifact could not be fetched is absent for this
		// round; only all peers failing is fatal.
		var present = make(map[string]interface{}, len(results))
		for id, payload := range results {
			if payload != nil {
				present[id] = payload
			}
		}
		if len(present) == 0 {
			return fmt.Errorf("round %d: no analyzer results could be retrieved", round)
		}
		if len(present) < len(analyzers) {
			h.Logger().Logf("warning", "round %d: continuing with %d of %d analyzer results", round, len(present), len(analyzers))
		}

		aggregated, converged, err := cfg.Aggregator.Aggregate(ctx, present, cfg.SimpleAnalysis)
		if err != nil {
			return fmt.Errorf("round %d: aggregating: %w", round, err)
		}
		if cfg.SimpleAnalysis {
			converged = true
		}

		if converged {
			if _, err = h.SubmitFinalResult(ctx, aggregated, cfg.Output, cfg.DP); err != nil {
				return fmt.Errorf("submitting final result: %w", err)
			}
			h.Logger().Logf("info", "converged after %d rounds", round)
			return h.AnalysisFinished(ctx)
		}

		if _, _, err = h.SendIntermediateData(ctx, analyzers, aggregated, CategoryAggregated, broker.SendOptions{}, cfg.Encrypted); err != nil {
			return fmt.Errorf("round %d: broadcasting aggregated state: %w", round, err)
		}
	}
}

func runAnalyzer(ctx context.Context, h Handle, cfg Config) error {
	var aggregator = h.AggregatorID()
	if aggregator == "" {
		return fmt.Errorf("analysis has no aggregator node")
	}

	// Barrier: announce readiness until the aggregator acknowledges.
	h.Logger().Info("waiting for aggregator to become ready")
	for {
		var acked, _, err = h.SendMessage(ctx, []string{aggregator}, "ready_check", map[string]interface{}{}, broker.SendOptions{
			Timeout: readyAttemptBudget,
		})
		if err != nil {
			return fmt.Errorf("readiness barrier: %w", err)
		}
		if len(acked) > 0 {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	input, err := fetchData(ctx, h, cfg)
	if err != nil {
		return err
	}

	var aggregated interface{}
	var previous []byte
	for !h.Finished() {
		result, err := cfg.Analyzer.Analyze(ctx, input, aggregated, cfg.SimpleAnalysis)
		if err != nil {
			return fmt.Errorf("analyzing: %w", err)
		}

		var locallyConverged = cfg.SimpleAnalysis
		current, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("serializing local result: %w", err)
		}
		if !locallyConverged && previous != nil {
			var opts = jsondiff.DefaultJSONOptions()
			if diff, _ := jsondiff.Compare(previous, current, &opts); diff == jsondiff.FullMatch {
				locallyConverged = true
			}
		}
		previous = current

		if !locallyConverged || cfg.SimpleAnalysis {
			if h.Finished() {
				return nil
			}
			if _, _, err = h.SendIntermediateData(ctx, []string{aggregator}, result, CategoryIntermediate, broker.SendOptions{}, cfg.Encrypted); err != nil {
				return fmt.Errorf("sending local result: %w", err)
			}
		}

		if h.Finished() {
			return nil
		}
		if locallyConverged {
			// Nothing left to contribute; wait for the finish broadcast.
			if err = waitFinished(ctx, h); err != nil {
				return err
			}
			return nil
		}

		// Wait for the next global state in short slices, so the finish
		// broadcast interrupts the wait instead of running out the clock.
		var deadline = time.Now().Add(aggregatedWait)
		for {
			var responses = h.AwaitIntermediateData(ctx, []string{aggregator}, CategoryAggregated, time.Second)
			if next := responses[aggregator]; next != nil {
				aggregated = next
				break
			}
			if h.Finished() || ctx.Err() != nil || time.Now().After(deadline) {
				break
			}
		}
	}
	return nil
}

// fetchData performs the analyzer's single up-front data fetch.
func fetchData(ctx context.Context, h Handle, cfg Config) (interface{}, error) {
	switch cfg.DataType {
	case DataFHIR:
		var sources, err = h.FHIRData(ctx, cfg.Queries)
		if err != nil {
			return nil, fmt.Errorf("fetching fhir data: %w", err)
		}
		return sources, nil
	case DataS3:
		var sources, err = h.S3Data(ctx, cfg.Queries)
		if err != nil {
			return nil, fmt.Errorf("fetching s3 data: %w", err)
		}
		return sources, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown data type %q", cfg.DataType)
	}
}

// waitFinished polls the finished flag at 1s cadence.
func waitFinished(ctx context.Context, h Handle) error {
	for !h.Finished() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}
