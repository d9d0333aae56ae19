package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// SubjectInbound carries caller events (text, media, actions) from the chat gateway.
	SubjectInbound = "tally.inbound"
	// SubjectOutboundPrefix is suffixed with the caller ID for replies.
	SubjectOutboundPrefix = "tally.outbound."
	// SubjectCorrection carries one signal per resolved review item.
	SubjectCorrection = "tally.review.resolved"
	// SubjectRefinement carries prompt refinement proposals.
	SubjectRefinement = "pattern.refinement.proposed"
	// SubjectReaction is where the Slack forwarder publishes reviewer reactions.
	SubjectReaction = "swarm.slack.reaction"
	// SubjectInteraction carries review button clicks from the Slack gateway.
	SubjectInteraction = "swarm.slack.interaction"
)

// OutboundSubject returns the reply subject for a caller.
func OutboundSubject(callerID string) string {
	return SubjectOutboundPrefix + callerID
}

// CorrectionSignal is emitted when a review item is approved or rejected so
// downstream prompt tuning can weigh the extraction that produced it.
type CorrectionSignal struct {
	ItemID        string         `json:"item_id"`
	DocumentID    string         `json:"document_id"`
	Kind          string         `json:"kind"`
	PromptVersion string         `json:"prompt_version"`
	Outcome       string         `json:"outcome"`
	Assignee      string         `json:"assignee,omitempty"`
	OriginalScore float64        `json:"original_score"`
	Fields        map[string]int `json:"fields,omitempty"`
	Classes       map[string]int `json:"classes,omitempty"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("tally"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// QueueSubscribe load-balances a subject across every replica in the group.
func (c *Client) QueueSubscribe(subject, group string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject, "queue", group)
	return nil
}

// KeyValue opens (creating if needed) a JetStream key-value bucket. A
// positive ttl expires entries that have not been written for that long.
func (c *Client) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	js, err := jetstream.New(c.conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "tally " + bucket,
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
