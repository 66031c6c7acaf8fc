package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
)

// SendOptions tune the acknowledgement-gathering loop of SendMessage.
// The zero value means: one attempt, no total budget, 10s per attempt.
type SendOptions struct {
	// MaxAttempts is the number of send attempts; each attempt resends to
	// the receivers which have not acknowledged yet.
	MaxAttempts int
	// Timeout is the total budget across all attempts. Zero means no
	// budget: each attempt uses AttemptTimeout, and with MaxAttempts > 1
	// the final attempt waits indefinitely.
	Timeout time.Duration
	// AttemptTimeout is the per-attempt acknowledgement wait.
	AttemptTimeout time.Duration
}

func (o SendOptions) withDefaults() SendOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	return o
}

// API is the messaging surface the rest of the SDK uses: fan-out sends with
// acknowledgement gathering, multi-sender awaits, and log maintenance.
// Peer absence is always structural (notAcked lists, nil map entries),
// never an error.
type API struct {
	client *Client
	node   *config.Node
	logger *ops.Logger

	mu           sync.Mutex
	participants []Participant
}

// NewAPI wraps the given Client.
func NewAPI(client *Client, node *config.Node, logger *ops.Logger) *API {
	return &API{client: client, node: node, logger: logger}
}

// Connect performs the broker handshake: subscribe the webhook, learn this
// node's identity, and cache the participant set.
func (a *API) Connect(ctx context.Context) error {
	if err := a.client.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribing to broker: %w", err)
	}

	var self, err = a.client.Self(ctx)
	if err != nil {
		return fmt.Errorf("broker handshake: %w", err)
	}
	if err = a.node.SetIdentity(self.NodeID, config.Role(self.NodeType)); err != nil {
		return fmt.Errorf("broker handshake: %w", err)
	}

	partners, err := a.client.Partners(ctx)
	if err != nil {
		return fmt.Errorf("broker handshake: %w", err)
	}

	a.mu.Lock()
	a.participants = partners
	a.mu.Unlock()
	return nil
}

// Client exposes the underlying broker client (the webhook feeds it).
func (a *API) Client() *Client { return a.client }

// Participants returns the cached participant set, excluding this node.
func (a *API) Participants() []Participant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Participant(nil), a.participants...)
}

// ParticipantIDs returns the node IDs of all other participants.
func (a *API) ParticipantIDs() []string {
	var ids []string
	for _, p := range a.Participants() {
		ids = append(ids, p.NodeID)
	}
	return ids
}

// AggregatorID returns the node ID of the participant with the aggregator
// role, or "" if this node is the aggregator (or none exists).
func (a *API) AggregatorID() string {
	for _, p := range a.Participants() {
		if config.Role(p.NodeType) == config.RoleAggregator {
			return p.NodeID
		}
	}
	return ""
}

// SendMessage sends a message to the receivers and gathers acknowledgements
// under the SendOptions budget. It returns the receivers which acknowledged
// and those which did not; transport errors are logged and treated as
// not-acknowledged-yet, so a later attempt may resend.
func (a *API) SendMessage(ctx context.Context, receivers []string, category string, body map[string]interface{}, opts SendOptions) (acked, notAcked []string, err error) {
	opts = opts.withDefaults()

	var msg *Message
	if msg, err = NewMessage(a.node, receivers, category, body); err != nil {
		return nil, nil, err
	}

	var overall = ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		overall, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var pending = make(map[string]struct{}, len(receivers))
	for _, r := range receivers {
		pending[r] = struct{}{}
	}

	for attempt := 0; attempt < opts.MaxAttempts && len(pending) > 0; attempt++ {
		var attemptCtx = overall
		var cancel context.CancelFunc = func() {}

		switch {
		case opts.Timeout > 0:
			attemptCtx, cancel = context.WithTimeout(overall, opts.Timeout/time.Duration(opts.MaxAttempts))
		case opts.MaxAttempts == 1 || attempt < opts.MaxAttempts-1:
			// Final attempt of an unbounded send waits forever.
			attemptCtx, cancel = context.WithTimeout(overall, opts.AttemptTimeout)
		}

		msg.Recipients = pendingList(receivers, pending)
		if sendErr := a.client.Send(attemptCtx, msg); sendErr != nil {
			a.logger.Logf("warning", "send attempt %d of %s failed: %v", attempt+1, msg.Meta.ID, sendErr)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for r := range pending {
			wg.Add(1)
			go func(receiver string) {
				defer wg.Done()
				if _, ackErr := a.client.AwaitAcknowledgement(attemptCtx, msg.Meta.ID, receiver); ackErr == nil {
					mu.Lock()
					acked = append(acked, receiver)
					delete(pending, receiver)
					mu.Unlock()
				}
			}(r)
		}
		wg.Wait()
		cancel()

		if overall.Err() != nil {
			break
		}
	}

	notAcked = pendingList(receivers, pending)
	return acked, notAcked, nil
}

// pendingList filters receivers down to those still pending, preserving the
// caller's order.
func pendingList(receivers []string, pending map[string]struct{}) []string {
	var out []string
	for _, r := range receivers {
		if _, ok := pending[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// AwaitMessages waits for unread messages of the category from every
// sender, up to timeout (zero means wait indefinitely). The returned map
// has an entry per sender: the matched messages, or nil if none arrived in
// time. Every returned message is marked read.
func (a *API) AwaitMessages(ctx context.Context, senders []string, category, messageID string, timeout time.Duration) map[string][]*Message {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	var responses = make(map[string][]*Message, len(senders))
	for _, s := range senders {
		responses[s] = nil
	}

	// Each sender gets its own wait bounded by the shared await context, so
	// one sender timing out cannot cancel the others.
	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			var matches, err = a.client.AwaitMessage(ctx, sender, category, messageID)
			if err != nil {
				return // Absence is structural.
			}
			var ids []string
			for _, m := range matches {
				ids = append(ids, m.Meta.ID)
				m.Meta.Status = StatusRead
			}
			a.client.MarkRead(ids...)

			mu.Lock()
			responses[sender] = matches
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	return responses
}

// SendAndAwait sends a message and waits for responses of the same
// category, spending whatever remains of the total budget on the wait.
func (a *API) SendAndAwait(ctx context.Context, receivers []string, category string, body map[string]interface{}, opts SendOptions) (map[string][]*Message, error) {
	var started = time.Now()
	var _, _, err = a.SendMessage(ctx, receivers, category, body, opts)
	if err != nil {
		return nil, err
	}

	var remaining time.Duration
	if opts.Timeout > 0 {
		remaining = opts.Timeout - time.Since(started)
		if remaining < time.Second {
			remaining = time.Second
		}
	}
	return a.AwaitMessages(ctx, receivers, category, "", remaining), nil
}

// Messages returns incoming messages with the given status.
func (a *API) Messages(status Status) []*Message {
	return a.client.Messages(status)
}

// DeleteMessages removes the given IDs from both logs, returning the total
// number of removed entries. An ID present in neither log is an error.
func (a *API) DeleteMessages(ids []string) (int, error) {
	var total int
	for _, id := range ids {
		var found bool
		for _, dir := range []Direction{DirectionIncoming, DirectionOutgoing} {
			if n, err := a.client.DeleteByID(id, dir); err == nil {
				total, found = total+n, true
			}
		}
		if !found {
			return total, fmt.Errorf("no message with id %s in either log", id)
		}
	}
	return total, nil
}

// ClearMessages removes messages of both directions matching the status
// ("read", "unread" or "all") and older than minAge (zero disables the age
// filter), returning the number removed.
func (a *API) ClearMessages(status string, minAge time.Duration) int {
	return a.client.Clear(DirectionIncoming, status, minAge) +
		a.client.Clear(DirectionOutgoing, status, minAge)
}
