// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/nknorg/d-chat/internal/transport"
)

// Sent records one Send call.
type Sent struct {
	Dests []string
	Data  []byte
}

// Client is a scriptable in-memory transport.Client. The zero value is
// usable; configure the Subscribe/Unsubscribe/list fields to script
// ledger behavior.
type Client struct {
	mu sync.Mutex

	Addr string

	// SentMessages accumulates every Send call, in order.
	SentMessages []Sent

	// SendErr, when set, fails every Send.
	SendErr error

	// SubscribeErr / UnsubscribeErr script the ledger verbs.
	SubscribeErr   error
	UnsubscribeErr error

	// Subscribed / Unsubscribed record channel ids passed to the ledger
	// verbs, in order.
	Subscribed   []string
	Unsubscribed []string

	// SubscriberList is returned, paged, from Subscribers.
	SubscriberList []string

	// Count is returned from SubscribersCount.
	Count int

	// Subs maps "channel/address" to scripted subscription state.
	Subs map[string]*transport.Subscription

	// BlockHeight is returned from Height.
	BlockHeight int64

	onConnect       func(transport.Node)
	onMessage       func(transport.Inbound)
	onConnectFailed func(error)

	Closed bool
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Address() string { return c.Addr }

func (c *Client) Send(ctx context.Context, dests []string, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return nil, c.SendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.SentMessages = append(c.SentMessages, Sent{Dests: append([]string(nil), dests...), Data: cp})
	return []byte("msg-id"), nil
}

func (c *Client) Subscribe(ctx context.Context, channelID string, duration int64, meta string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return "", c.SubscribeErr
	}
	c.Subscribed = append(c.Subscribed, channelID)
	return "txn-sub", nil
}

func (c *Client) Unsubscribe(ctx context.Context, channelID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UnsubscribeErr != nil {
		return "", c.UnsubscribeErr
	}
	c.Unsubscribed = append(c.Unsubscribed, channelID)
	return "txn-unsub", nil
}

func (c *Client) Subscribers(ctx context.Context, channelID string, offset, limit int, txPool bool) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset >= len(c.SubscriberList) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(c.SubscriberList) {
		end = len(c.SubscriberList)
	}
	return append([]string(nil), c.SubscriberList[offset:end]...), nil
}

func (c *Client) SubscribersCount(ctx context.Context, channelID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Count != 0 {
		return c.Count, nil
	}
	return len(c.SubscriberList), nil
}

func (c *Client) Subscription(ctx context.Context, channelID, address string) (*transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.Subs[channelID+"/"+address]; ok {
		return sub, nil
	}
	return &transport.Subscription{}, nil
}

func (c *Client) Height(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BlockHeight, nil
}

func (c *Client) Nonce(ctx context.Context) (int64, error) { return 1, nil }

func (c *Client) OnConnect(fn func(transport.Node))    { c.onConnect = fn }
func (c *Client) OnMessage(fn func(transport.Inbound)) { c.onMessage = fn }
func (c *Client) OnConnectFailed(fn func(error))       { c.onConnectFailed = fn }

// FireConnect invokes the registered connect handler.
func (c *Client) FireConnect(n transport.Node) {
	if c.onConnect != nil {
		c.onConnect(n)
	}
}

// FireMessage invokes the registered inbound handler.
func (c *Client) FireMessage(in transport.Inbound) {
	if c.onMessage != nil {
		c.onMessage(in)
	}
}

// FireConnectFailed invokes the registered failure handler.
func (c *Client) FireConnectFailed(err error) {
	if c.onConnectFailed != nil {
		c.onConnectFailed(err)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// Sends returns a snapshot of recorded Send calls.
func (c *Client) Sends() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.SentMessages...)
}

// Dialer hands out a fixed client, or fails with Err.
type Dialer struct {
	Client *Client
	Err    error

	mu    sync.Mutex
	Calls []transport.Config
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) (transport.Client, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, cfg)
	d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Client, nil
}
