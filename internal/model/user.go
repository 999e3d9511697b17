package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type (
	// User is a durable identity, created on first successful login.
	// PublicKey is the user's advertised 64-byte key, refreshed on login.
	User struct {
		ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		Name      string             `bson:"name" json:"name"`
		Email     string             `bson:"email,omitempty" json:"email,omitempty"`
		PublicKey []byte             `bson:"public_key,omitempty" json:"publicKey,omitempty"`
	}
)
