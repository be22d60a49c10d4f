// Package transport defines the contract the messaging network layer must
// satisfy. The engine never talks to a concrete client library directly;
// everything above this package is written against these interfaces.
package transport

import (
	"context"
	"errors"
)

// Benign ledger outcomes. Callers treat these as idempotent success.
var (
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrDoesNotExist          = errors.New("subscription does not exist")
)

// Node describes the network node a client ended up attached to.
type Node struct {
	Addr    string
	RPCAddr string
}

// Inbound is one raw datagram delivered by the network layer. MessageID is
// the opaque transport-assigned id, distinct from the payload id inside.
type Inbound struct {
	Src       string
	Payload   []byte
	MessageID []byte
}

// Subscription is the on-ledger state of one (channel, subscriber) pair.
type Subscription struct {
	Meta      string
	ExpiresAt int64
}

// Client is a live connection to the messaging network.
type Client interface {
	// Address returns the public address this client signs as.
	Address() string

	// Send delivers one payload to one or many destinations. Returns the
	// transport-assigned message id.
	Send(ctx context.Context, dests []string, data []byte) ([]byte, error)

	// Subscribe submits an on-ledger subscription to a channel for the
	// given duration in blocks. Returns ErrDuplicateSubscription when the
	// ledger already holds one.
	Subscribe(ctx context.Context, channelID string, duration int64, meta string) (string, error)

	// Unsubscribe submits the on-ledger unsubscription. Returns
	// ErrDoesNotExist when no subscription is on the ledger.
	Unsubscribe(ctx context.Context, channelID string) (string, error)

	// Subscribers pages through the authoritative subscriber list of a
	// channel. txPool includes not-yet-mined subscriptions.
	Subscribers(ctx context.Context, channelID string, offset, limit int, txPool bool) ([]string, error)

	// SubscribersCount probes the live subscriber count of a channel.
	SubscribersCount(ctx context.Context, channelID string) (int, error)

	// Subscription fetches one subscriber's on-ledger subscription state.
	Subscription(ctx context.Context, channelID, address string) (*Subscription, error)

	// Height returns the current ledger height.
	Height(ctx context.Context) (int64, error)

	// Nonce returns the next transaction nonce for this address.
	Nonce(ctx context.Context) (int64, error)

	// Handler registration. Handlers run on the network layer's own
	// callback context and must tolerate concurrent invocation.
	OnConnect(func(Node))
	OnMessage(func(Inbound))
	OnConnectFailed(func(error))

	Close() error
}

// Config selects how a client attaches to the network.
type Config struct {
	Seed              []byte
	RPCAddr           string
	NumSubClients     int
	MsgHoldingSeconds int64

	// Direct selects the secure multi-path relay configuration instead of
	// an RPC endpoint.
	Direct bool
}

// Dialer produces network clients.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Client, error)
}
