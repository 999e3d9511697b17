package model

import "time"

type (
	// LoginClaims back an opaque login token: proof of user identity,
	// single-use for requesting a join token.
	LoginClaims struct {
		UserID    string    `json:"userId"`
		ExpiresAt time.Time `json:"expiresAt"`
	}

	// JoinClaims back an opaque join token: one connection attempt to one
	// room. Host marks the token that materializes the room on connect;
	// Readonly carries the host's chosen room permissions until then.
	JoinClaims struct {
		UserID    string    `json:"userId"`
		RoomID    string    `json:"roomId"`
		Host      bool      `json:"host"`
		Readonly  bool      `json:"readonly,omitempty"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
)
