package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/tilldesk/tilldesk/internal/record"
)

// EventType identifies a push notification's kind.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a single change notification from the backend's push channel.
type Event struct {
	Type     EventType      `json:"event_type"`
	NewValue *record.Record `json:"new_value,omitempty"`
	OldValue *record.Record `json:"old_value,omitempty"`
}

// Record returns the record the event describes: the new value for
// inserts and updates, the old value for deletes.
func (e *Event) Record() *record.Record {
	if e.Type == EventDelete {
		return e.OldValue
	}
	return e.NewValue
}

// EventCallback receives push notifications for a subscription.
type EventCallback func(Event)

// CloseCallback is invoked once when a subscription's transport dies or
// the channel is closed. err is nil on deliberate close.
type CloseCallback func(err error)

// Channel is an open push subscription for one (collection, tenant).
type Channel struct {
	Collection string
	TenantID   string

	conn   *websocket.Conn
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe opens a push subscription for a collection scoped to the
// tenant. Events are delivered to cb from a dedicated read loop until
// the transport fails or Close is called, after which onClose fires
// exactly once. The subscription does not retry on its own; the caller
// decides whether and when to re-subscribe.
func (c *Client) Subscribe(ctx context.Context, tenantID, collection string, cb EventCallback, onClose CloseCallback) (*Channel, error) {
	wsURL, err := c.subscribeURL(tenantID, collection)
	if err != nil {
		return nil, err
	}

	dialOpts := &websocket.DialOptions{}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}
		dialOpts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + token},
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open subscription for %s: %w", collection, err)
	}

	// The read loop outlives the dial context; it stops when the
	// channel is closed or the transport fails.
	loopCtx, cancel := context.WithCancel(context.Background())

	ch := &Channel{
		Collection: collection,
		TenantID:   tenantID,
		conn:       conn,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go ch.readLoop(loopCtx, c, cb, onClose)

	c.logger.Printf("Subscribed to %s for tenant %s", collection, tenantID)
	return ch, nil
}

// Close tears down the subscription. Safe to call multiple times.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		ch.cancel()
		_ = ch.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	<-ch.done
}

// readLoop decodes push frames and hands them to the callback.
func (ch *Channel) readLoop(ctx context.Context, c *Client, cb EventCallback, onClose CloseCallback) {
	defer close(ch.done)

	for {
		_, data, err := ch.conn.Read(ctx)
		if err != nil {
			// Deliberate close reports nil; transport death reports
			// the cause so the orchestrator can decide to re-subscribe.
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				if onClose != nil {
					onClose(nil)
				}
				return
			}
			c.logger.Printf("Subscription %s/%s read error: %v", ch.Collection, ch.TenantID, err)
			_ = ch.conn.Close(websocket.StatusInternalError, "read failed")
			if onClose != nil {
				onClose(err)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Printf("Subscription %s: dropping malformed frame: %v", ch.Collection, err)
			continue
		}

		cb(event)
	}
}

// subscribeURL derives the websocket endpoint from the HTTP base URL.
func (c *Client) subscribeURL(tenantID, collection string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/subscribe"
	q := u.Query()
	q.Set("collection", collection)
	q.Set("tenant_id", tenantID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
