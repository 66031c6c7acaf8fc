package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/fedstar/core/go/config"
	"golang.org/x/sync/errgroup"
)

// Location is the caller-facing placement of intermediate data: "global"
// artifacts are broker-visible across nodes, "local" ones stay on the node.
type Location string

const (
	LocationGlobal Location = "global"
	LocationLocal  Location = "local"
)

func (l Location) bucket() (Bucket, error) {
	switch l {
	case LocationGlobal:
		return BucketIntermediate, nil
	case LocationLocal:
		return BucketLocal, nil
	default:
		return "", fmt.Errorf("unknown storage location %q", l)
	}
}

// TagOption selects which artifacts a tag lookup returns.
type TagOption string

const (
	TagAll   TagOption = "all"
	TagFirst TagOption = "first"
	TagLast  TagOption = "last"
)

// Saved describes one completed upload. Plaintext uploads carry a single
// ID; encrypted fan-outs carry one ID per recipient.
type Saved struct {
	ID  string
	IDs map[string]string
}

// ResultID returns the message-body representation of the upload: the
// plain id string, or the per-recipient id map under encryption.
func (s Saved) ResultID() interface{} {
	if s.IDs != nil {
		return s.IDs
	}
	return s.ID
}

// API layers the analysis-facing storage operations over the Client:
// role-gated final submission, per-recipient encrypted saves, and tag
// based retrieval.
type API struct {
	client *Client
	node   *config.Node
}

// NewAPI wraps the given Client.
func NewAPI(client *Client, node *config.Node) *API {
	return &API{client: client, node: node}
}

// Client exposes the underlying store client.
func (a *API) Client() *Client { return a.client }

// SubmitFinalResult uploads the analysis result to the final bucket, where
// the hub can download it. Only the aggregator may submit.
func (a *API) SubmitFinalResult(ctx context.Context, result interface{}, output Output, dp *LocalDP) (string, error) {
	if a.node.Role() != config.RoleAggregator {
		return "", fmt.Errorf("only the aggregator may submit a final result (this node is %q)", a.node.Role())
	}
	if output == "" {
		output = OutputString
	}
	return a.client.Put(ctx, BucketFinal, result, PutOptions{Output: output, DP: dp})
}

// SaveIntermediate uploads intermediate data. With recipients given, the
// store is called once per recipient so each copy is encrypted for that
// node, and the returned Saved carries the per-recipient id map.
func (a *API) SaveIntermediate(ctx context.Context, location Location, data interface{}, tag string, recipients []string) (Saved, error) {
	var bucket, err = location.bucket()
	if err != nil {
		return Saved{}, err
	}

	if len(recipients) == 0 {
		id, err := a.client.Put(ctx, bucket, data, PutOptions{Tag: tag})
		if err != nil {
			return Saved{}, err
		}
		return Saved{ID: id}, nil
	}

	if location != LocationGlobal {
		return Saved{}, fmt.Errorf("per-recipient encryption requires the global location")
	}
	if tag != "" {
		return Saved{}, fmt.Errorf("tags cannot be combined with per-recipient encryption")
	}

	var mu sync.Mutex
	var ids = make(map[string]string, len(recipients))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range recipients {
		var recipient = r
		group.Go(func() error {
			var id, err = a.client.Put(groupCtx, bucket, data, PutOptions{RemoteNodeID: recipient})
			if err != nil {
				return fmt.Errorf("saving for recipient %s: %w", recipient, err)
			}
			mu.Lock()
			ids[recipient] = id
			mu.Unlock()
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return Saved{}, err
	}
	return Saved{IDs: ids}, nil
}

// GetIntermediate fetches one intermediate artifact by id. senderNodeID is
// required when the artifact was encrypted for this node.
func (a *API) GetIntermediate(ctx context.Context, location Location, id, senderNodeID string) (interface{}, error) {
	var bucket, err = location.bucket()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("an artifact id is required")
	}
	return a.client.GetJSON(ctx, bucket, id, senderNodeID)
}

// GetTagged fetches local artifacts saved under the tag. TagAll returns
// every artifact oldest-first; TagFirst and TagLast narrow to one.
func (a *API) GetTagged(ctx context.Context, tag string, option TagOption) ([]interface{}, error) {
	var urls, err = a.client.TagURLs(ctx, tag)
	if err != nil {
		return nil, err
	}

	switch option {
	case TagAll, "":
	case TagFirst:
		if len(urls) > 1 {
			urls = urls[:1]
		}
	case TagLast:
		if len(urls) > 1 {
			urls = urls[len(urls)-1:]
		}
	default:
		return nil, fmt.Errorf("unknown tag option %q", option)
	}

	var out = make([]interface{}, 0, len(urls))
	for _, u := range urls {
		data, err := a.client.GetByURL(ctx, u)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// LocalTags lists the tags used for local saves, optionally filtered by
// substring.
func (a *API) LocalTags(ctx context.Context, filter string) ([]Tag, error) {
	return a.client.Tags(ctx, filter)
}
