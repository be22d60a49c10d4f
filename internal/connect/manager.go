// Package connect tracks network clients and their readiness. It owns the
// endpoint selection race, the connect/disconnect state machine, and the
// single-flight wait-until-ready primitive every network-facing operation
// goes through.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/identity"
	"github.com/nknorg/d-chat/internal/store"
	"github.com/nknorg/d-chat/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrConnectFailed = errors.New("connect failed")
	ErrNoEndpoints   = errors.New("no rpc endpoints available")
)

const (
	// DefaultReadyTimeout bounds each individual WaitForReady caller.
	DefaultReadyTimeout = 30 * time.Second

	directSubClients  = 8
	relaySubClients   = 4
	msgHoldingSeconds = 8640000

	endpointStatePrefix = "rpc_endpoints:"
)

// Options configure the manager.
type Options struct {
	// Endpoints are the configured seed RPC endpoints, tried alongside any
	// cached ones.
	Endpoints []string

	// Direct selects the secure multi-path relay configuration and skips
	// endpoint selection entirely.
	Direct bool

	ReadyTimeout time.Duration
}

type clientState struct {
	status Status
	client transport.Client

	// ready is closed exactly once per connect attempt, on success or
	// failure; err is set before close. Concurrent waiters share it.
	ready chan struct{}
	err   error
}

// Manager maintains zero-or-more named network clients and one designated
// active client id.
type Manager struct {
	dialer transport.Dialer
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	clients map[string]*clientState
	active  string

	onMessage func(transport.Inbound)
}

// NewManager creates a connection manager.
func NewManager(dialer transport.Dialer, db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	return &Manager{
		dialer:  dialer,
		db:      db,
		bus:     b,
		logger:  logger,
		opts:    opts,
		clients: make(map[string]*clientState),
	}
}

// SetInboundHandler registers the dispatcher's entry point for inbound
// datagrams. Must be called before Connect.
func (m *Manager) SetInboundHandler(fn func(transport.Inbound)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// Connect derives the public address from the identity secret, selects an
// endpoint, dials, and registers the ready/inbound/failed handlers.
// Returns the client id (the derived address). The connection becomes
// usable once WaitForReady returns.
func (m *Manager) Connect(ctx context.Context, w *identity.Wallet) (string, error) {
	id := w.Address()

	m.mu.Lock()
	cs := m.clients[id]
	if cs == nil {
		cs = &clientState{status: Disconnected}
		m.clients[id] = cs
	}
	if cs.status == Connecting {
		m.mu.Unlock()
		return id, nil
	}
	m.transitionLocked(id, cs, Connecting)
	cs.ready = make(chan struct{})
	cs.err = nil
	m.mu.Unlock()

	cfg := transport.Config{
		Seed:              w.Seed(),
		MsgHoldingSeconds: msgHoldingSeconds,
	}
	if m.opts.Direct {
		cfg.Direct = true
		cfg.NumSubClients = directSubClients
	} else {
		endpoint, err := m.selectEndpoint(ctx, id)
		if err != nil {
			m.failConnect(id, err)
			return "", err
		}
		cfg.RPCAddr = endpoint
		cfg.NumSubClients = relaySubClients
	}

	client, err := m.dialer.Dial(ctx, cfg)
	if err != nil {
		err = fmt.Errorf("dial: %w", err)
		m.failConnect(id, err)
		return "", err
	}

	client.OnConnect(func(node transport.Node) {
		m.logger.Info("connected",
			zap.String("client", id),
			zap.String("node", node.Addr),
			zap.String("rpc", node.RPCAddr))
		if node.RPCAddr != "" {
			m.cacheEndpoint(id, node.RPCAddr)
		}
		m.mu.Lock()
		cs := m.clients[id]
		if cs != nil && cs.status == Connecting {
			m.transitionLocked(id, cs, Connected)
			close(cs.ready)
		}
		m.mu.Unlock()
	})
	client.OnMessage(func(in transport.Inbound) {
		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler(in)
		}
	})
	client.OnConnectFailed(func(err error) {
		m.logger.Error("connect failed", zap.String("client", id), zap.Error(err))
		m.failConnect(id, fmt.Errorf("%w: %v", ErrConnectFailed, err))
	})

	m.mu.Lock()
	cs = m.clients[id]
	replaced := cs.client
	cs.client = client
	m.active = id
	m.mu.Unlock()

	if replaced != nil && replaced != client {
		if err := replaced.Close(); err != nil {
			m.logger.Warn("close replaced transport", zap.String("client", id), zap.Error(err))
		}
	}

	return id, nil
}

// WaitForReady blocks until the client is connected, the connect attempt
// fails, or the timeout elapses. Concurrent callers for the same client
// share one outcome; each has its own timeout.
func (m *Manager) WaitForReady(ctx context.Context, id string) error {
	m.mu.Lock()
	cs := m.clients[id]
	if cs == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if cs.status == Connected {
		m.mu.Unlock()
		return nil
	}
	ready := cs.ready
	m.mu.Unlock()
	if ready == nil {
		return ErrNotConnected
	}

	timer := time.NewTimer(m.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		m.mu.Lock()
		err := cs.err
		m.mu.Unlock()
		return err
	case <-timer.C:
		return fmt.Errorf("wait for ready: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForActive waits for the active client and returns it.
func (m *Manager) WaitForActive(ctx context.Context) (transport.Client, error) {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return nil, ErrNotConnected
	}
	if err := m.WaitForReady(ctx, id); err != nil {
		return nil, err
	}
	return m.Client(id)
}

// Client returns the transport client for an id.
func (m *Manager) Client(id string) (transport.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.clients[id]
	if cs == nil || cs.client == nil {
		return nil, ErrNotConnected
	}
	return cs.client, nil
}

// ActiveAddress returns the address of the designated active client.
func (m *Manager) ActiveAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Status returns the connection status of a client.
func (m *Manager) Status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.clients[id]
	if cs == nil {
		return Disconnected
	}
	return cs.status
}

// Disconnect closes the active client's transport, clears its state, and
// rejects any still-pending readiness waiters.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	id := m.active
	cs := m.clients[id]
	if cs == nil {
		m.mu.Unlock()
		return nil
	}
	client := cs.client
	if cs.status != Disconnected {
		m.transitionLocked(id, cs, Disconnected)
	}
	if cs.ready != nil && cs.err == nil {
		select {
		case <-cs.ready:
		default:
			cs.err = ErrNotConnected
			close(cs.ready)
		}
	}
	delete(m.clients, id)
	m.active = ""
	m.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
	}
	return nil
}

func (m *Manager) failConnect(id string, err error) {
	m.mu.Lock()
	cs := m.clients[id]
	if cs != nil && cs.status != Disconnected {
		m.transitionLocked(id, cs, Disconnected)
		if cs.ready != nil {
			select {
			case <-cs.ready:
			default:
				cs.err = err
				close(cs.ready)
			}
		}
	}
	m.mu.Unlock()
}

// transitionLocked applies a state transition and publishes it. Caller
// holds m.mu.
func (m *Manager) transitionLocked(id string, cs *clientState, to Status) {
	if !canTransition(cs.status, to) {
		m.logger.Warn("invalid status transition",
			zap.String("client", id),
			zap.String("from", string(cs.status)),
			zap.String("to", string(to)))
		return
	}
	from := cs.status
	cs.status = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "connect.status_changed",
			Timestamp: time.Now(),
			Payload:   StatusChange{ClientID: id, From: from, To: to},
		})
	}
}

// selectEndpoint races health probes against every cached and configured
// endpoint and takes the first to report a fully-synchronized state.
func (m *Manager) selectEndpoint(ctx context.Context, id string) (string, error) {
	urls := m.candidateEndpoints(id)
	if len(urls) == 0 {
		return "", ErrNoEndpoints
	}

	type result struct {
		url string
		err error
	}
	ch := make(chan result, len(urls))
	for _, url := range urls {
		go func(url string) {
			state, err := transport.GetNodeState(ctx, url)
			if err != nil {
				ch <- result{url: url, err: fmt.Errorf("probe %s: %w", url, err)}
				return
			}
			if state.SyncState != transport.SyncFinished {
				ch <- result{url: url, err: fmt.Errorf("endpoint %s not synced: %s", url, state.SyncState)}
				return
			}
			ch <- result{url: url}
		}(url)
	}

	// First success wins; losing probes are abandoned.
	var errs []error
	for range urls {
		res := <-ch
		if res.err == nil {
			m.logger.Info("selected rpc endpoint", zap.String("endpoint", res.url))
			return res.url, nil
		}
		errs = append(errs, res.err)
	}
	return "", fmt.Errorf("%w: %w", ErrConnectFailed, errors.Join(errs...))
}

func (m *Manager) candidateEndpoints(id string) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(url string) {
		if url != "" && !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}
	for _, url := range m.cachedEndpoints(id) {
		add(url)
	}
	for _, url := range m.opts.Endpoints {
		add(url)
	}
	return urls
}

func (m *Manager) cachedEndpoints(id string) []string {
	if m.db == nil {
		return nil
	}
	raw, err := m.db.GetState(endpointStatePrefix + id)
	if err != nil || raw == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil
	}
	return urls
}

func (m *Manager) cacheEndpoint(id, url string) {
	if m.db == nil {
		return
	}
	urls := m.cachedEndpoints(id)
	for _, u := range urls {
		if u == url {
			return
		}
	}
	urls = append([]string{url}, urls...)
	if len(urls) > 8 {
		urls = urls[:8]
	}
	raw, err := json.Marshal(urls)
	if err != nil {
		return
	}
	if err := m.db.SetState(endpointStatePrefix+id, string(raw)); err != nil {
		m.logger.Warn("failed to cache rpc endpoint", zap.Error(err))
	}
}
