// Package connection implements the shared RPC engine both the server and
// the peer library run over a transport: a handler registry, an outbound
// request map with timeouts, and the per-message encryption pipeline.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/keycache"
	"opencollab/internal/model"
	"opencollab/internal/transport"
)

var (
	ErrTimeout      = errors.New("request timed out")
	ErrDisconnected = errors.New("connection disposed")
	ErrUnknownPeer  = errors.New("no public key for target peer")
)

// RemoteError carries a failure reported by the other endpoint, either as a
// ResponseError to one of our requests or as an Error envelope.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

type (
	// RequestHandler serves one method. The returned value is marshalled
	// into the response; a returned error becomes a ResponseError.
	RequestHandler func(ctx context.Context, origin string, params []json.RawMessage) (any, error)

	// NotificationHandler serves a notification or broadcast method.
	NotificationHandler func(origin string, params []json.RawMessage)

	// Forwarder lets the server claim envelopes addressed to other peers
	// before local dispatch. Returning true consumes the envelope.
	Forwarder func(env *model.Envelope) bool

	result struct {
		content json.RawMessage
		err     error
	}

	Connection struct {
		tr         transport.Transport
		keys       *seal.KeyPair
		contentKey []byte
		timeout    time.Duration

		ctx    context.Context
		cancel context.CancelFunc

		readyCh   chan struct{}
		readyOnce sync.Once
		closedCh  chan struct{}
		disposing atomic.Bool

		handlerMu         sync.Mutex
		requestHandlers   map[string]RequestHandler
		notifyHandlers    map[string]NotificationHandler
		broadcastHandlers map[string]NotificationHandler
		forwarder         Forwarder

		peerMu    sync.Mutex
		localID   string
		remoteKey *seal.PublicKey
		peers     map[string]seal.PublicKey

		encCache *keycache.EncryptionCache
		decCache *keycache.DecryptionCache

		pendingMu sync.Mutex
		pending   map[uint64]chan result
		nextID    atomic.Uint64

		// handler invocations run on a single worker so they stay in
		// arrival order without blocking the read loop
		tasks chan func()

		eventMu      sync.Mutex
		onError      []func(error)
		onConnError  []func(error)
		onDisconnect []func()

		wrapCount atomic.Uint64
	}

	Option func(*Connection)
)

// WithRequestTimeout overrides the default 60 s request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.timeout = d
	}
}

func New(tr transport.Transport, keys *seal.KeyPair, opts ...Option) (*Connection, error) {
	contentKey, err := seal.NewContentKey()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		tr:                tr,
		keys:              keys,
		contentKey:        contentKey,
		timeout:           60 * time.Second,
		ctx:               ctx,
		cancel:            cancel,
		readyCh:           make(chan struct{}),
		closedCh:          make(chan struct{}),
		requestHandlers:   make(map[string]RequestHandler),
		notifyHandlers:    make(map[string]NotificationHandler),
		broadcastHandlers: make(map[string]NotificationHandler),
		peers:             make(map[string]seal.PublicKey),
		pending:           make(map[uint64]chan result),
		tasks:             make(chan func(), 256),
	}
	c.encCache = keycache.NewEncryptionCache(c.PeerCount)
	c.decCache = keycache.NewDecryptionCache(c.PeerCount)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the read loop. Handlers registered afterwards still apply;
// register handshake handlers before Start to avoid dropping early traffic.
func (c *Connection) Start() {
	go c.readLoop()
	go c.handlerLoop()
}

func (c *Connection) handlerLoop() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.closedCh:
			return
		}
	}
}

// enqueue hands an inbound handler invocation to the worker; drops it when
// the connection is going away.
func (c *Connection) enqueue(task func()) {
	select {
	case c.tasks <- task:
	case <-c.closedCh:
	}
}

// Ready releases the barrier: outbound sealed sends and handler responses
// are held until the owner finishes the handshake.
func (c *Connection) Ready() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

// Dispose tears the connection down: disconnect listeners fire, handlers
// are cleared, the transport closes and every pending request fails with
// ErrDisconnected. Idempotent, and safe to re-enter from a disconnect
// listener (room teardown disposes its members' connections).
func (c *Connection) Dispose() {
	if !c.disposing.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	close(c.closedCh)

	c.eventMu.Lock()
	disconnect := append([]func(){}, c.onDisconnect...)
	c.eventMu.Unlock()
	for _, f := range disconnect {
		f()
	}

	c.handlerMu.Lock()
	c.requestHandlers = make(map[string]RequestHandler)
	c.notifyHandlers = make(map[string]NotificationHandler)
	c.broadcastHandlers = make(map[string]NotificationHandler)
	c.forwarder = nil
	c.handlerMu.Unlock()

	c.tr.Close()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- result{err: ErrDisconnected}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Connection) Disposed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// OnRequest registers the handler for a request method, replacing any
// previous registration.
func (c *Connection) OnRequest(method string, h RequestHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.requestHandlers[method] = h
}

func (c *Connection) OnNotification(method string, h NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.notifyHandlers[method] = h
}

func (c *Connection) OnBroadcast(method string, h NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.broadcastHandlers[method] = h
}

// SetForwarder installs the relay hook on a server-held connection.
func (c *Connection) SetForwarder(f Forwarder) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.forwarder = f
}

// OnError subscribes to Error envelopes reported by the other endpoint.
func (c *Connection) OnError(f func(error)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onError = append(c.onError, f)
}

// OnConnectionError subscribes to local transport and framing faults.
func (c *Connection) OnConnectionError(f func(error)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onConnError = append(c.onConnError, f)
}

func (c *Connection) OnDisconnect(f func()) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, f)
}

// SetLocalID fixes the id stamped as Origin on outbound messages.
func (c *Connection) SetLocalID(id string) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.localID = id
}

func (c *Connection) LocalID() string {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	return c.localID
}

// SetRemoteKey fixes the direct remote endpoint's key: the server's for a
// client connection, the peer's for a server-held one. An empty Target
// addresses this key.
func (c *Connection) SetRemoteKey(key seal.PublicKey) {
	c.peerMu.Lock()
	c.remoteKey = &key
	c.peerMu.Unlock()
	c.dropCaches()
}

// AddPeer makes a room member's key available for sealing. Any change to
// the peer set drops both key caches.
func (c *Connection) AddPeer(id string, key seal.PublicKey) {
	c.peerMu.Lock()
	c.peers[id] = key
	c.peerMu.Unlock()
	c.dropCaches()
}

func (c *Connection) RemovePeer(id string) {
	c.peerMu.Lock()
	delete(c.peers, id)
	c.peerMu.Unlock()
	c.dropCaches()
}

func (c *Connection) SetPeers(peers map[string]seal.PublicKey) {
	c.peerMu.Lock()
	c.peers = make(map[string]seal.PublicKey, len(peers))
	for id, key := range peers {
		c.peers[id] = key
	}
	c.peerMu.Unlock()
	c.dropCaches()
}

// Peers lists the ids this connection can currently seal for.
func (c *Connection) Peers() []string {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// HasPeer reports whether id's key is known.
func (c *Connection) HasPeer(id string) bool {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	_, ok := c.peers[id]
	return ok
}

func (c *Connection) PeerCount() int {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	n := len(c.peers)
	if c.remoteKey != nil {
		n++
	}
	return n
}

// WrapCount reports how many asymmetric seal operations ran, i.e. the
// encryption-cache misses.
func (c *Connection) WrapCount() uint64 {
	return c.wrapCount.Load()
}

func (c *Connection) dropCaches() {
	c.encCache.Drop()
	c.decCache.Drop()
}

func (c *Connection) getForwarder() Forwarder {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	return c.forwarder
}

func (c *Connection) requestHandler(method string) RequestHandler {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	return c.requestHandlers[method]
}

func (c *Connection) notifyHandler(method string) NotificationHandler {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	return c.notifyHandlers[method]
}

func (c *Connection) broadcastHandler(method string) NotificationHandler {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	return c.broadcastHandlers[method]
}

// resolveKey maps a target peer id to its sealing key; the empty id means
// the direct remote endpoint.
func (c *Connection) resolveKey(target string) (seal.PublicKey, error) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if target == "" {
		if c.remoteKey == nil {
			return seal.PublicKey{}, ErrUnknownPeer
		}
		return *c.remoteKey, nil
	}
	key, ok := c.peers[target]
	if !ok {
		return seal.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	return key, nil
}

func (c *Connection) allPeerKeys() []seal.PublicKey {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	keys := make([]seal.PublicKey, 0, len(c.peers))
	for _, key := range c.peers {
		keys = append(keys, key)
	}
	return keys
}

func (c *Connection) awaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.closedCh:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}
