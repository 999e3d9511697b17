// Package client is the peer-side library: the HTTP credential exchange
// and the peer.init handshake that yields a ready connection into a room.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"opencollab/internal/connection"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
	"opencollab/internal/transport"
	"opencollab/internal/utils/log"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrDenied       = errors.New("join request denied")
	ErrJoinTimeout  = errors.New("join request timed out")
	ErrNoSuchRoom   = errors.New("no such room")
)

type (
	Client struct {
		host string
		http *http.Client
		keys *seal.KeyPair
	}

	// Session is a live membership in a room.
	Session struct {
		Conn        *connection.Connection
		Peer        model.PeerInfo
		RoomID      string
		Permissions model.Permissions

		mu      sync.Mutex
		onJoin  func(model.PeerInfo)
		onLeave func(model.PeerInfo)
		onClose func()
	}

	tokenResponse struct {
		Token     string           `json:"token"`
		RoomID    string           `json:"roomId,omitempty"`
		Workspace *model.Workspace `json:"workspace,omitempty"`
	}
)

// New builds a client talking to host ("localhost:9090") with fresh key
// material.
func New(host string) (*Client, error) {
	keys, err := seal.NewKeyPair()
	if err != nil {
		return nil, err
	}
	return &Client{host: host, http: http.DefaultClient, keys: keys}, nil
}

// Login trades the user's identity for a login token.
func (c *Client) Login(ctx context.Context, name, email string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"email":     email,
		"publicKey": c.keys.Pub.Bytes(),
	})
	if err != nil {
		return "", err
	}

	var res tokenResponse
	if err := c.post(ctx, "/api/login", "", bytes.NewReader(body), &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

// CreateRoom mints a host join token for a fresh room.
func (c *Client) CreateRoom(ctx context.Context, loginToken string, readonly bool) (joinToken, roomID string, err error) {
	body, err := json.Marshal(map[string]any{"readonly": readonly})
	if err != nil {
		return "", "", err
	}

	var res tokenResponse
	if err := c.post(ctx, "/api/session", loginToken, bytes.NewReader(body), &res); err != nil {
		return "", "", err
	}
	return res.Token, res.RoomID, nil
}

// JoinRoom asks the room's host for admission; it blocks until the host
// answers or the server's approval deadline passes.
func (c *Client) JoinRoom(ctx context.Context, loginToken, roomID string) (string, error) {
	var res tokenResponse
	if err := c.post(ctx, fmt.Sprintf("/api/session/%s", roomID), loginToken, nil, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

// Connect upgrades to the duplex transport and runs the peer.init
// handshake. The returned session's connection is ready for traffic.
func (c *Client) Connect(ctx context.Context, joinToken string) (*Session, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   c.host,
		Path:   fmt.Sprintf("/api/session/join/%s", joinToken),
	}

	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, statusError(resp.StatusCode)
		}
		return nil, err
	}

	conn, err := connection.New(transport.NewWebSocket(wsConn), c.keys)
	if err != nil {
		wsConn.Close()
		return nil, err
	}

	session := &Session{Conn: conn}
	session.registerRoomHandlers()
	conn.Start()

	raw, err := conn.SendCleartextRequest(ctx, model.MethodPeerInit, model.InitRequest{
		Protocol:  model.ProtocolVersion,
		PublicKey: c.keys.Pub.Bytes(),
	})
	if err != nil {
		conn.Dispose()
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var info model.InitResponse
	if err := json.Unmarshal(raw, &info); err != nil {
		conn.Dispose()
		return nil, err
	}

	serverKey, err := seal.ParsePublicKey(info.ServerKey)
	if err != nil {
		conn.Dispose()
		return nil, err
	}
	conn.SetRemoteKey(serverKey)
	conn.SetLocalID(info.Peer.ID)
	for _, peer := range info.Peers {
		key, err := seal.ParsePublicKey(peer.PublicKey)
		if err != nil {
			log.Warn("skipping peer with bad public key", zap.String("peer", peer.ID))
			continue
		}
		conn.AddPeer(peer.ID, key)
	}

	session.Peer = info.Peer
	session.RoomID = info.RoomID
	session.Permissions = info.Permissions
	conn.Ready()
	return session, nil
}

// Evict asks the server to remove a guest; hosts only.
func (s *Session) Evict(ctx context.Context, peerID string) error {
	_, err := s.Conn.SendRequest(ctx, model.MethodRoomEvict, "", peerID)
	return err
}

// OnPeerJoin observes guests entering the room.
func (s *Session) OnPeerJoin(f func(model.PeerInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJoin = f
}

// OnPeerLeave observes members leaving or being evicted.
func (s *Session) OnPeerLeave(f func(model.PeerInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLeave = f
}

// OnRoomClose observes the room being torn down; the connection is disposed
// right after the callback returns.
func (s *Session) OnRoomClose(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = f
}

// registerRoomHandlers keeps the connection's peer set in step with room
// membership, which also keeps the key caches honest.
func (s *Session) registerRoomHandlers() {
	conn := s.Conn
	conn.OnNotification(model.MethodRoomJoin, func(_ string, params []json.RawMessage) {
		var peer model.PeerInfo
		if len(params) == 0 || json.Unmarshal(params[0], &peer) != nil {
			return
		}
		key, err := seal.ParsePublicKey(peer.PublicKey)
		if err != nil {
			log.Warn("joined peer has bad public key", zap.String("peer", peer.ID))
			return
		}
		conn.AddPeer(peer.ID, key)
		if f := s.joinCallback(); f != nil {
			f(peer)
		}
	})
	conn.OnNotification(model.MethodRoomLeave, func(_ string, params []json.RawMessage) {
		var peer model.PeerInfo
		if len(params) == 0 || json.Unmarshal(params[0], &peer) != nil {
			return
		}
		conn.RemovePeer(peer.ID)
		if f := s.leaveCallback(); f != nil {
			f(peer)
		}
	})
	conn.OnNotification(model.MethodRoomClose, func(string, []json.RawMessage) {
		if f := s.closeCallback(); f != nil {
			f()
		}
		conn.Dispose()
	})
	conn.OnNotification(model.MethodPeerInfo, func(string, []json.RawMessage) {
		// the init response already carried the room view
	})
}

func (s *Session) joinCallback() func(model.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onJoin
}

func (s *Session) leaveCallback() func(model.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onLeave
}

func (s *Session) closeCallback() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onClose
}

func (c *Client) post(ctx context.Context, path, loginToken string, body io.Reader, out any) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   path,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if loginToken != "" {
		req.Header.Set("X-Login-Token", loginToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusGone:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrDenied
	case http.StatusRequestTimeout:
		return ErrJoinTimeout
	case http.StatusNotFound:
		return ErrNoSuchRoom
	}
	return fmt.Errorf("unexpected status %d", code)
}
