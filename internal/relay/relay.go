// Package relay routes sealed envelopes between the peers of a room. It
// rewrites the origin from the authenticated peer, never from the wire,
// and forwards ciphertext bodies untouched: the server holds no key that
// could open them.
package relay

import (
	"go.uber.org/zap"

	"opencollab/internal/model"
	"opencollab/internal/room"
	"opencollab/internal/utils/log"
)

// Install hooks a peer's connection into the relay. The forwarder claims
// every envelope that is not addressed to the server itself.
func Install(rooms *room.Manager, p *room.Peer) {
	p.Conn.SetForwarder(func(env *model.Envelope) bool {
		if env.Target == "" && env.Kind != model.KindBroadcast {
			return false // addressed to the server; dispatch locally
		}
		forward(rooms, p, env)
		return true
	})
}

func forward(rooms *room.Manager, origin *room.Peer, env *model.Envelope) {
	// The wire's origin claim is worthless; the connection is the identity.
	env.Origin = origin.ID

	if env.Kind == model.KindBroadcast {
		for _, member := range rooms.RoomMembers(origin.ID) {
			if err := member.Conn.Forward(env); err != nil {
				log.Debug("broadcast forward failed", zap.String("to", member.ID), zap.Error(err))
			}
		}
		return
	}

	target, ok := rooms.PeerByID(origin.ID, env.Target)
	if !ok {
		log.Debug("dropping envelope for unreachable target",
			zap.String("origin", origin.ID), zap.String("target", env.Target))
		if err := origin.Conn.SendError("", "no such recipient"); err != nil {
			log.Debug("error notification failed", zap.Error(err))
		}
		return
	}
	if err := target.Conn.Forward(env); err != nil {
		log.Debug("forward failed", zap.String("to", target.ID), zap.Error(err))
	}
}
