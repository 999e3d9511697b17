package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"opencollab/internal/connection"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
	"opencollab/internal/relay"
	"opencollab/internal/room"
	"opencollab/internal/transport"
	"opencollab/internal/utils/log"
)

type initOutcome struct {
	peer *room.Peer
	info *model.InitResponse
	err  error
}

// HandleConnect redeems the join token, upgrades to the duplex transport
// and runs the peer.init handshake. The token already proves host approval,
// so a valid guest token admits directly.
func (s *HttpServer) HandleConnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := mux.Vars(r)["token"]

		claims, err := s.creds.RedeemJoin(ctx, token)
		if err != nil {
			http.Error(w, "expired or consumed token", http.StatusGone)
			return
		}

		usr, err := s.users.Get(ctx, claims.UserID)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		// A guest's room may have died between approval and connect.
		if !claims.Host {
			if _, ok := s.rooms.Room(claims.RoomID); !ok {
				http.Error(w, "room closed", http.StatusNotFound)
				return
			}
		}

		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		conn, err := connection.New(transport.NewWebSocket(wsConn),
			s.keys, connection.WithRequestTimeout(s.opts.RequestTimeout))
		if err != nil {
			log.Error("connection setup failed", zap.Error(err))
			wsConn.Close()
			return
		}

		done := make(chan initOutcome, 1)
		conn.OnRequest(model.MethodPeerInit, s.initHandler(conn, usr, claims, done))
		conn.Start()

		select {
		case out := <-done:
			if out.err != nil {
				log.Info("handshake rejected", zap.String("user", usr.Name), zap.Error(out.err))
				// give the rejection response a moment to flush
				time.AfterFunc(250*time.Millisecond, conn.Dispose)
				return
			}
			conn.SendCleartextNotification(model.MethodPeerInfo, "", out.info)
			conn.Ready()
			log.Info("peer connected",
				zap.String("peer", out.peer.ID),
				zap.String("room", claims.RoomID),
				zap.Bool("host", out.peer.Host))
		case <-time.After(s.opts.HandshakeTimeout):
			log.Info("handshake timed out", zap.String("user", usr.Name))
			conn.Dispose()
		}
	}
}

// initHandler serves the single cleartext peer.init request: it validates
// the protocol version, creates the Peer, attaches it to its room and wires
// the relay. The returned InitResponse is the client's view of the room.
func (s *HttpServer) initHandler(conn *connection.Connection, usr *model.User, claims *model.JoinClaims, done chan<- initOutcome) connection.RequestHandler {
	return func(ctx context.Context, _ string, params []json.RawMessage) (any, error) {
		fail := func(err error) (any, error) {
			done <- initOutcome{err: err}
			return nil, err
		}

		var req model.InitRequest
		if len(params) == 0 {
			return fail(errors.New("missing init params"))
		}
		if err := json.Unmarshal(params[0], &req); err != nil {
			return fail(fmt.Errorf("invalid init params: %w", err))
		}
		if req.Protocol != model.ProtocolVersion {
			return fail(fmt.Errorf("%s: got %q, want %q", model.MessageVersionError, req.Protocol, model.ProtocolVersion))
		}
		pub, err := seal.ParsePublicKey(req.PublicKey)
		if err != nil {
			return fail(err)
		}

		p := &room.Peer{
			ID:    room.NewID(),
			Name:  usr.Name,
			Email: usr.Email,
			Key:   pub,
			Host:  claims.Host,
			Conn:  conn,
		}
		conn.SetRemoteKey(pub)
		conn.AddPeer(p.ID, pub) // origin claims on this connection verify against it

		var rm *room.Room
		if claims.Host {
			rm, err = s.rooms.CreateRoom(claims.RoomID, p, model.Permissions{Readonly: claims.Readonly})
			if err != nil {
				return fail(err)
			}
		} else {
			var ok bool
			rm, ok = s.rooms.Room(claims.RoomID)
			if !ok {
				return fail(room.ErrNoSuchRoom)
			}
		}

		others := make([]model.PeerInfo, 0)
		for _, member := range s.rooms.RoomMembers(rm.Host.ID) {
			others = append(others, member.Info())
		}
		if !claims.Host {
			others = append(others, rm.Host.Info())
		}

		relay.Install(s.rooms, p)
		conn.OnDisconnect(func() { s.rooms.Leave(p) })
		s.registerPeerHandlers(conn, p)

		if !claims.Host {
			if err := s.rooms.Admit(rm.ID, p); err != nil {
				return fail(err)
			}
		}

		info := &model.InitResponse{
			Peer:        p.Info(),
			RoomID:      rm.ID,
			Peers:       others,
			Permissions: rm.Permissions,
			ServerKey:   s.keys.Pub.Bytes(),
		}
		done <- initOutcome{peer: p, info: info}
		return info, nil
	}
}

// registerPeerHandlers installs the server-addressed operations a connected
// peer may call.
func (s *HttpServer) registerPeerHandlers(conn *connection.Connection, p *room.Peer) {
	conn.OnRequest(model.MethodRoomEvict, func(ctx context.Context, _ string, params []json.RawMessage) (any, error) {
		var peerID string
		if len(params) == 0 || json.Unmarshal(params[0], &peerID) != nil {
			return nil, errors.New("evict needs a peer id")
		}
		roomID, ok := s.rooms.RoomOf(p.ID)
		if !ok {
			return nil, room.ErrNoSuchRoom
		}
		if err := s.rooms.Evict(roomID, peerID, p.ID); err != nil {
			return nil, err
		}
		return true, nil
	})
}
