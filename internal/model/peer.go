package model

type (
	// PeerInfo describes one room member to the other members. PublicKey is
	// the peer's 64-byte sealing+verify key so others can encrypt for it.
	PeerInfo struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Email     string `json:"email,omitempty"`
		Host      bool   `json:"host"`
		PublicKey []byte `json:"publicKey"`
	}

	// UserInfo identifies a join candidate to the host.
	UserInfo struct {
		Name  string `json:"name"`
		Email string `json:"email,omitempty"`
	}

	Workspace struct {
		Name    string   `json:"name"`
		Folders []string `json:"folders,omitempty"`
	}

	Permissions struct {
		Readonly bool `json:"readonly"`
	}

	// InitRequest is the cleartext peer.init payload sent by a connecting
	// client right after the transport upgrade.
	InitRequest struct {
		Protocol  string `json:"protocol"`
		PublicKey []byte `json:"publicKey"`
	}

	// InitResponse answers peer.init and doubles as the peer.onInfo payload.
	InitResponse struct {
		Peer        PeerInfo    `json:"peer"`
		RoomID      string      `json:"roomId"`
		Peers       []PeerInfo  `json:"peers"`
		Permissions Permissions `json:"permissions"`
		ServerKey   []byte      `json:"serverKey"`
		Workspace   *Workspace  `json:"workspace,omitempty"`
	}

	// JoinRequestParams is sent to the host when a candidate asks to join.
	JoinRequestParams struct {
		User UserInfo `json:"user"`
	}

	// JoinResponse is the host's verdict on a join request.
	JoinResponse struct {
		Accepted  bool       `json:"accepted"`
		Workspace *Workspace `json:"workspace,omitempty"`
	}
)
