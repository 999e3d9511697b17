// Package room keeps the catalogue of live rooms: admission, membership,
// fanout targets and teardown. A room lives exactly as long as its host's
// connection.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"opencollab/internal/connection"
	"opencollab/internal/model"
	"opencollab/internal/utils/log"
)

var (
	ErrNoSuchRoom      = errors.New("no such room")
	ErrRoomExists      = errors.New("room already exists")
	ErrDenied          = errors.New("join request denied by host")
	ErrApprovalTimeout = errors.New("join request timed out")
	ErrNotHost         = errors.New("only the host may do this")
	ErrNoSuchPeer      = errors.New("no such peer in room")
)

const DefaultJoinTimeout = 2 * time.Minute

type (
	Room struct {
		ID          string
		Host        *Peer
		Guests      map[string]*Peer
		CreatedAt   time.Time
		Permissions model.Permissions
	}

	Manager struct {
		mu          sync.Mutex
		rooms       map[string]*Room
		peerRoom    map[string]string
		joinTimeout time.Duration
	}
)

func NewManager(joinTimeout time.Duration) *Manager {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	return &Manager{
		rooms:       make(map[string]*Room),
		peerRoom:    make(map[string]string),
		joinTimeout: joinTimeout,
	}
}

// CreateRoom materializes roomID with host as its distinguished member.
func (m *Manager) CreateRoom(roomID string, host *Peer, perms model.Permissions) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; ok {
		return nil, ErrRoomExists
	}
	room := &Room{
		ID:          roomID,
		Host:        host,
		Guests:      make(map[string]*Peer),
		CreatedAt:   time.Now(),
		Permissions: perms,
	}
	m.rooms[roomID] = room
	m.peerRoom[host.ID] = roomID
	return room, nil
}

func (m *Manager) Room(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// JoinRequest asks the room's host to admit candidate and blocks for the
// verdict. The host answers the peer.onJoinRequest request; silence counts
// as denial once the deadline passes.
func (m *Manager) JoinRequest(ctx context.Context, roomID string, candidate model.UserInfo) (*model.JoinResponse, error) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSuchRoom
	}
	hostConn := room.Host.Conn
	m.mu.Unlock()

	raw, err := hostConn.RequestWithTimeout(ctx, model.MethodJoinRequest, "", m.joinTimeout,
		model.JoinRequestParams{User: candidate})
	if err != nil {
		if errors.Is(err, connection.ErrTimeout) {
			return nil, ErrApprovalTimeout
		}
		return nil, err
	}

	var verdict model.JoinResponse
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, err
	}
	if !verdict.Accepted {
		return nil, ErrDenied
	}
	return &verdict, nil
}

// Admit adds a guest and tells the rest of the room.
func (m *Manager) Admit(roomID string, p *Peer) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	room.Guests[p.ID] = p
	m.peerRoom[p.ID] = roomID
	others := room.othersLocked(p.ID)
	m.mu.Unlock()

	notify(others, model.MethodRoomJoin, p.Info())
	return nil
}

// Leave removes a peer from its room. A departing host takes the room with
// it; a departing guest is announced to the remainder.
func (m *Manager) Leave(p *Peer) {
	m.mu.Lock()
	roomID, ok := m.peerRoom[p.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	room := m.rooms[roomID]
	if room != nil && room.Host.ID == p.ID {
		m.mu.Unlock()
		m.CloseRoom(roomID)
		return
	}
	delete(m.peerRoom, p.ID)
	var others []*Peer
	if room != nil {
		delete(room.Guests, p.ID)
		others = room.othersLocked(p.ID)
	}
	m.mu.Unlock()

	notify(others, model.MethodRoomLeave, p.Info())
}

// CloseRoom tears down every member connection and drops the room.
func (m *Manager) CloseRoom(roomID string) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, roomID)
	delete(m.peerRoom, room.Host.ID)
	members := []*Peer{room.Host}
	for id, guest := range room.Guests {
		delete(m.peerRoom, id)
		members = append(members, guest)
	}
	m.mu.Unlock()

	for _, member := range members {
		if member.Host {
			member.Conn.Dispose()
			continue
		}
		if err := member.Conn.SendNotification(context.Background(), model.MethodRoomClose, ""); err != nil {
			log.Debug("room close notification failed", zap.String("peer", member.ID), zap.Error(err))
		}
		// give the guest a moment to handle room.onClose before the
		// transport goes; closing at once races the notification away
		time.AfterFunc(250*time.Millisecond, member.Conn.Dispose)
	}
	log.Info("room closed", zap.String("room", roomID))
}

// Evict removes a guest at the host's request and closes its connection.
func (m *Manager) Evict(roomID, peerID, byPeerID string) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	if room.Host.ID != byPeerID {
		m.mu.Unlock()
		return ErrNotHost
	}
	guest, ok := room.Guests[peerID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchPeer
	}
	delete(room.Guests, peerID)
	delete(m.peerRoom, peerID)
	others := room.othersLocked(peerID)
	m.mu.Unlock()

	notify(others, model.MethodRoomLeave, guest.Info())
	guest.Conn.Dispose()
	return nil
}

// PeerByID resolves a member of the room peerID shares with origin, which
// is how the relay checks that a target is reachable.
func (m *Manager) PeerByID(originID, peerID string) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.peerRoom[originID]
	if !ok {
		return nil, false
	}
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	if room.Host.ID == peerID {
		return room.Host, true
	}
	guest, ok := room.Guests[peerID]
	return guest, ok
}

// RoomMembers returns every member of origin's room except origin itself.
func (m *Manager) RoomMembers(originID string) []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.peerRoom[originID]
	if !ok {
		return nil
	}
	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return room.othersLocked(originID)
}

// RoomOf reports which room a peer currently sits in.
func (m *Manager) RoomOf(peerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.peerRoom[peerID]
	return roomID, ok
}

// CloseAll tears down every room; used on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseRoom(id)
	}
}

// othersLocked snapshots every member but exceptID. Callers hold m.mu.
func (r *Room) othersLocked(exceptID string) []*Peer {
	others := make([]*Peer, 0, len(r.Guests)+1)
	if r.Host.ID != exceptID {
		others = append(others, r.Host)
	}
	for id, guest := range r.Guests {
		if id != exceptID {
			others = append(others, guest)
		}
	}
	return others
}

func notify(peers []*Peer, method string, params ...any) {
	for _, p := range peers {
		if err := p.Conn.SendNotification(context.Background(), method, "", params...); err != nil {
			log.Debug("notification failed", zap.String("method", method), zap.String("peer", p.ID), zap.Error(err))
		}
	}
}
