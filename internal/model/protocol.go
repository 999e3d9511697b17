package model

// ProtocolVersion is exchanged in peer.init; a mismatch aborts the handshake.
const ProtocolVersion = "0.0.1"

// Reserved protocol methods. Everything else is application traffic the
// server relays without decrypting.
const (
	MethodPeerInit      = "peer.init"
	MethodPeerInfo      = "peer.onInfo"
	MethodJoinRequest   = "peer.onJoinRequest"
	MethodRoomJoin      = "room.onJoin"
	MethodRoomLeave     = "room.onLeave"
	MethodRoomClose     = "room.onClose"
	MethodRoomEvict     = "room.evict"
	MessageVersionError = "protocol version mismatch"
)
