// fedstar-node runs a participant container: it bootstraps the SDK against
// the platform services and executes a built-in analysis selected by flags.
// Custom analyses embed the SDK directly instead of using this binary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fedstar/core/go/node"
	"github.com/fedstar/core/go/star"
	"github.com/fedstar/core/go/store"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

type cmdConfig struct {
	DataType string   `long:"data-type" env:"DATA_TYPE" default:"fhir" choice:"fhir" choice:"s3" description:"How analyzers fetch their input"`
	Queries  []string `long:"query" env:"QUERIES" env-delim:"," description:"FHIR queries or S3 key filters"`
	Field    string   `long:"field" env:"SUM_FIELD" default:"total" description:"Numeric field of the first query's payload to sum"`
	Simple   bool     `long:"simple" env:"SIMPLE_ANALYSIS" description:"Force convergence after a single round"`
	Plain    bool     `long:"plaintext" env:"PLAINTEXT" description:"Skip per-recipient encryption of intermediate data"`
}

// sumAnalyzer reports the configured field of the first query's payload
// from each data source.
type sumAnalyzer struct {
	query string
	field string
}

func (a sumAnalyzer) Analyze(ctx context.Context, data interface{}, aggregated interface{}, simple bool) (interface{}, error) {
	var total float64
	sources, ok := data.([]map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("analyzer expects fhir input, got %T", data)
	}
	for _, source := range sources {
		payload, ok := source[a.query].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := payload[a.field].(float64); ok {
			total += v
		}
	}
	return map[string]interface{}{"total": total}, nil
}

// sumAggregator adds up the analyzers' totals.
type sumAggregator struct{}

func (sumAggregator) Aggregate(ctx context.Context, results map[string]interface{}, simple bool) (interface{}, bool, error) {
	var sum float64
	for id, r := range results {
		payload, ok := r.(map[string]interface{})
		if !ok {
			return nil, false, fmt.Errorf("result of %s has unexpected shape %T", id, r)
		}
		if v, ok := payload["total"].(float64); ok {
			sum += v
		}
	}
	return sum, true, nil
}

func main() {
	var cfg cmdConfig
	var parser = flags.NewParser(&cfg, flags.Default|flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if len(cfg.Queries) == 0 {
		log.Fatal("at least one --query is required")
	}

	var ctx = context.Background()
	sdk, err := node.Bootstrap(ctx, node.Options{})
	if err != nil {
		// The webhook keeps serving the stuck state; block so the
		// platform can scrape it.
		log.WithField("err", err).Error("bootstrap failed; serving health endpoint only")
		select {}
	}

	err = sdk.Run(func() error {
		return star.Run(ctx, sdk, star.Config{
			Analyzer:       sumAnalyzer{query: cfg.Queries[0], field: cfg.Field},
			Aggregator:     sumAggregator{},
			DataType:       star.DataType(cfg.DataType),
			Queries:        cfg.Queries,
			SimpleAnalysis: cfg.Simple,
			Encrypted:      !cfg.Plain,
			Output:         store.OutputString,
		})
	})
	if err != nil {
		log.WithField("err", err).Fatal("analysis failed")
	}
	log.Info("analysis finished")
}
