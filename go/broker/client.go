package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// pollInterval is the cadence at which blocked operations re-inspect the
// in-memory message logs. The protocol only requires 1s granularity.
const pollInterval = time.Second

// ackWindow bounds the set of message IDs whose acknowledgement we remember,
// to suppress re-acknowledging duplicate deliveries.
const ackWindow = 1024

// Client is the HTTP client of the message broker. It owns the node's
// in-memory incoming and outgoing message logs and the monotonic send
// sequence; no other component mutates them.
type Client struct {
	node   *config.Node
	logger *ops.Logger

	baseURL string
	http    *http.Client

	tokenMu sync.Mutex
	token   string

	mu       sync.Mutex
	incoming []*Message
	outgoing []*Message
	seq      int
	// acked remembers IDs of messages this node has already acknowledged,
	// so an at-least-once redelivery never produces a second echo.
	acked *lru.Cache[string, struct{}]
}

// NewClient builds a Client against the node's ingress. It performs no
// network traffic; see Subscribe and Self for the handshake.
func NewClient(node *config.Node, logger *ops.Logger) *Client {
	var acked, _ = lru.New[string, struct{}](ackWindow)
	return &Client{
		node:    node,
		logger:  logger,
		baseURL: fmt.Sprintf("http://%s/message-broker", node.Env.IngressHost()),
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   node.Env.PlatformToken,
		acked:   acked,
	}
}

// RefreshToken swaps the bearer token used for subsequent requests.
// In-flight requests keep the token they captured.
func (c *Client) RefreshToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return "Bearer " + c.token
}

// Subscribe registers the node's webhook with the broker, so deliveries
// for this node are POSTed to the local webhook endpoint. Registration is
// idempotent on the broker side.
func (c *Client) Subscribe(ctx context.Context) error {
	var webhookURL = fmt.Sprintf("http://%s/analysis/webhook", c.node.Env.IngressHost())
	var body, _ = json.Marshal(map[string]string{"webhookUrl": webhookURL})

	var path = fmt.Sprintf("/analyses/%s/messages/subscriptions", c.node.Env.AnalysisID)
	return c.post(ctx, path, body, nil)
}

// Self fetches this node's broker-assigned identity.
func (c *Client) Self(ctx context.Context) (Participant, error) {
	var self Participant
	var path = fmt.Sprintf("/analyses/%s/participants/self", c.node.Env.AnalysisID)
	if err := c.get(ctx, path, &self); err != nil {
		return Participant{}, fmt.Errorf("fetching self participant: %w", err)
	}
	return self, nil
}

// Partners fetches all participants of the analysis except this node.
func (c *Client) Partners(ctx context.Context) ([]Participant, error) {
	var all []Participant
	var path = fmt.Sprintf("/analyses/%s/participants", c.node.Env.AnalysisID)
	if err := c.get(ctx, path, &all); err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}

	var out = make([]Participant, 0, len(all))
	for _, p := range all {
		if p.NodeID != c.node.NodeID() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Send assigns the next sequence number to the outgoing message (and its ID,
// on first send), appends a copy to the outgoing log, and POSTs it to the
// broker. Send does not block on delivery or acknowledgement.
func (c *Client) Send(ctx context.Context, m *Message) error {
	c.mu.Lock()
	c.seq++
	m.Meta.Number = c.seq
	if m.Meta.ID == "" {
		m.Meta.ID = fmt.Sprintf("%s-%d-%s", m.Meta.Sender, m.Meta.Number, uuid.NewString())
	}
	c.outgoing = append(c.outgoing, m.clone())
	c.mu.Unlock()

	messagesSent.WithLabelValues(m.Meta.Category).Inc()
	return c.postMessage(ctx, m)
}

// Receive ingests one webhook delivery. If the message has not been
// acknowledged yet, the client acknowledges it by echoing it back to the
// sender with akn_id set to this node; already-acknowledged messages (which
// include echoes of our own sends) are recorded without a further echo.
func (c *Client) Receive(ctx context.Context, m *Message) error {
	m.Meta.Type = DirectionIncoming
	var needsAck = m.Meta.AknID == ""

	c.mu.Lock()
	if needsAck && c.acked.Contains(m.Meta.ID) {
		// Duplicate delivery of a message we already acknowledged.
		c.mu.Unlock()
		return nil
	}
	if needsAck {
		var now = time.Now()
		m.Meta.AknID = c.node.NodeID()
		m.Meta.ArrivedAt = &now
		c.acked.Add(m.Meta.ID, struct{}{})
	}
	c.incoming = append(c.incoming, m.clone())
	c.mu.Unlock()

	messagesReceived.WithLabelValues(m.Meta.Category).Inc()

	if !needsAck {
		return nil
	}

	// The echo IS the acknowledgement: the message goes back to its sender
	// unchanged except for akn_id and arrived_at.
	var echo = m.clone()
	echo.Recipients = []string{m.Meta.Sender}

	c.mu.Lock()
	c.outgoing = append(c.outgoing, echo.clone())
	c.mu.Unlock()

	acksEchoed.Inc()
	if err := c.postMessage(ctx, echo); err != nil {
		return fmt.Errorf("echoing acknowledgement of %s: %w", m.Meta.ID, err)
	}
	return nil
}

// AwaitMessage blocks until at least one unread incoming message from
// senderID with the given category (and ID, if non-empty) exists, then
// returns every match present at that moment. It polls the incoming log
// at 1s granularity and returns ctx.Err() on cancellation.
func (c *Client) AwaitMessage(ctx context.Context, senderID, category, messageID string) ([]*Message, error) {
	for {
		var matches = c.matchIncoming(senderID, category, messageID)
		if len(matches) > 0 {
			return matches, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) matchIncoming(senderID, category, messageID string) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Message
	for _, m := range c.incoming {
		if m.Meta.Sender != senderID || m.Meta.Category != category || m.Meta.Status != StatusUnread {
			continue
		}
		if messageID != "" && m.Meta.ID != messageID {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// AwaitAcknowledgement blocks until an incoming message exists whose ID
// matches messageID and whose akn_id is receiverID, then returns the
// receiver. It polls at 1s granularity and returns ctx.Err() on cancellation.
func (c *Client) AwaitAcknowledgement(ctx context.Context, messageID, receiverID string) (string, error) {
	for {
		if c.hasAcknowledgement(messageID, receiverID) {
			return receiverID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) hasAcknowledgement(messageID, receiverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range c.incoming {
		if m.Meta.ID == messageID && m.Meta.AknID == receiverID {
			return true
		}
	}
	return false
}

// MarkRead marks incoming messages with the given IDs as read.
func (c *Client) MarkRead(ids ...string) {
	var idx = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idx[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.incoming {
		if _, ok := idx[m.Meta.ID]; ok {
			m.Meta.Status = StatusRead
		}
	}
}

// Messages returns copies of incoming messages with the given status.
func (c *Client) Messages(status Status) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Message
	for _, m := range c.incoming {
		if m.Meta.Status == status {
			out = append(out, m.clone())
		}
	}
	return out
}

// Outgoing returns copies of the outgoing log, in send order.
func (c *Client) Outgoing() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make([]*Message, 0, len(c.outgoing))
	for _, m := range c.outgoing {
		out = append(out, m.clone())
	}
	return out
}

// DeleteByID removes all log entries with the given ID from one direction,
// returning the number removed. Removing an unknown ID is an error.
func (c *Client) DeleteByID(id string, direction Direction) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var list = &c.incoming
	if direction == DirectionOutgoing {
		list = &c.outgoing
	}

	var kept, removed = (*list)[:0], 0
	for _, m := range *list {
		if m.Meta.ID == id {
			removed++
		} else {
			kept = append(kept, m)
		}
	}
	*list = kept

	if removed == 0 {
		return 0, fmt.Errorf("no %s message with id %s", direction, id)
	}
	return removed, nil
}

// Clear removes log entries of one direction matching the status ("all"
// matches any) and, if minAge > 0, only entries older than minAge.
// It returns the number removed.
func (c *Client) Clear(direction Direction, status string, minAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var list = &c.incoming
	if direction == DirectionOutgoing {
		list = &c.outgoing
	}

	var kept, removed = (*list)[:0], 0
	for _, m := range *list {
		var match = status == "all" || string(m.Meta.Status) == status
		if match && minAge > 0 {
			match = time.Since(m.Meta.CreatedAt) > minAge
		}
		if match {
			removed++
		} else {
			kept = append(kept, m)
		}
	}
	*list = kept
	return removed
}

func (c *Client) postMessage(ctx context.Context, m *Message) error {
	var body, err = json.Marshal(envelope{Recipients: m.Recipients, Message: m})
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", m.Meta.ID, err)
	}
	var path = fmt.Sprintf("/analyses/%s/messages", c.node.Env.AnalysisID)
	return c.post(ctx, path, body, nil)
}

func (c *Client) post(ctx context.Context, path string, body []byte, into interface{}) error {
	return c.do(ctx, "POST", path, body, into)
}

func (c *Client) get(ctx context.Context, path string, into interface{}) error {
	return c.do(ctx, "GET", path, nil, into)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, into interface{}) error {
	var req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", c.bearer())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if into != nil {
		if err = json.NewDecoder(resp.Body).Decode(into); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
