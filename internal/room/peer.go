package room

import (
	"crypto/rand"
	"encoding/hex"

	"opencollab/internal/connection"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
)

// Peer is the server-side handle for one connected client. Exactly one
// peer per connection; the connection owns the peer's lifetime.
type Peer struct {
	ID    string
	Name  string
	Email string
	Key   seal.PublicKey
	Host  bool
	Conn  *connection.Connection
}

func (p *Peer) Info() model.PeerInfo {
	return model.PeerInfo{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Host:      p.Host,
		PublicKey: p.Key.Bytes(),
	}
}

// NewID mints a random identifier for peers and rooms.
func NewID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
