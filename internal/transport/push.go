package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	ws "nhooyr.io/websocket"
)

// Subscription is a per-request push-channel subscription. Close is
// idempotent; teardown happens at most once per request.
type Subscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Close tears the subscription down. Safe to call more than once and on a
// subscription whose dial already failed.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Done is closed when the reader goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe opens the push channel for one request and invokes fn with each
// normalized event. The channel is best-effort: dial or read failures are
// logged and swallowed, the REST path fully functions standalone.
func (c *Client) Subscribe(requestID string, fn func(Response)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go c.runSubscription(ctx, requestID, fn, sub.done)
	return sub
}

func (c *Client) runSubscription(ctx context.Context, requestID string, fn func(Response), done chan struct{}) {
	defer close(done)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := ws.Dial(ctx, c.pushURL+"?requestId="+requestID, &ws.DialOptions{HTTPHeader: header})
	if err != nil {
		metricPushConnectFailures.Inc()
		c.log.Warn("push channel unavailable, continuing on REST only",
			zap.String("request_id", requestID), zap.Error(err))
		return
	}
	defer conn.Close(ws.StatusNormalClosure, "done")

	c.log.Debug("push channel connected", zap.String("request_id", requestID))
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		var ev PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("invalid push event", zap.String("request_id", requestID), zap.Error(err))
			continue
		}
		metricPushEvents.WithLabelValues(ev.Event).Inc()
		resp := ev.Normalize()
		if resp.RequestID == "" {
			resp.RequestID = requestID
		}
		// Push events pass the same gate as REST bodies; an unknown event
		// type must not write an arbitrary status into the conversation.
		if err := validate(&resp); err != nil {
			metricPushInvalid.Inc()
			c.log.Warn("dropping invalid push event",
				zap.String("request_id", requestID), zap.String("event", ev.Event), zap.Error(err))
			continue
		}
		fn(resp)
	}
}
