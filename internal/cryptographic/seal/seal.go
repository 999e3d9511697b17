// Package seal implements the hybrid message scheme: content is encrypted
// once with a symmetric key, and that key is wrapped separately for every
// recipient under an ephemeral X25519 exchange. The relay forwards sealed
// bodies without being able to open them.
package seal

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"opencollab/internal/cryptographic/dh"
	"opencollab/internal/cryptographic/encryption"
	"opencollab/internal/cryptographic/kdf"
	"opencollab/internal/cryptographic/signature"
	"opencollab/internal/model"
)

var (
	ErrUnauthenticated = errors.New("message authentication failed")
	ErrNoKeyForMe      = errors.New("no sealed key for this recipient")
	ErrBadKey          = errors.New("invalid key material")
)

// PublicKeySize is a 32-byte X25519 sealing key followed by a 32-byte
// ed25519 verify key.
const PublicKeySize = 64

var wrapInfo = []byte("opencollab keywrap")

type (
	// PublicKey is a peer's advertised key material.
	PublicKey struct {
		Box    [32]byte
		Verify ed25519.PublicKey
	}

	// KeyPair is one endpoint's full key material.
	KeyPair struct {
		Pub      PublicKey
		boxPriv  [32]byte
		signPriv ed25519.PrivateKey
	}
)

func NewKeyPair() (*KeyPair, error) {
	boxPriv, boxPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	verify, sign, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{boxPriv: boxPriv, signPriv: sign}
	kp.Pub.Box = boxPub
	kp.Pub.Verify = verify
	return kp, nil
}

func ParsePublicKey(b []byte) (PublicKey, error) {
	var pub PublicKey
	if len(b) != PublicKeySize {
		return pub, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrBadKey, PublicKeySize, len(b))
	}
	copy(pub.Box[:], b[:32])
	pub.Verify = ed25519.PublicKey(append([]byte(nil), b[32:]...))
	return pub, nil
}

func (p PublicKey) Bytes() []byte {
	out := make([]byte, 0, PublicKeySize)
	out = append(out, p.Box[:]...)
	return append(out, p.Verify...)
}

// Fingerprint is the truncated SHA-256 of the advertised key bytes. It is
// what sealed-key copies are addressed by on the wire.
func (p PublicKey) Fingerprint() [model.FingerprintSize]byte {
	sum := sha256.Sum256(p.Bytes())
	var fp [model.FingerprintSize]byte
	copy(fp[:], sum[:model.FingerprintSize])
	return fp
}

// Sign produces the origin claim over a sealed body.
func (k *KeyPair) Sign(body []byte) []byte {
	return signature.ED25519Sign(k.signPriv, body)
}

// Verify checks an origin claim against the claimed sender's key.
func Verify(sender PublicKey, body, sig []byte) bool {
	return signature.ED25519Verify(sender.Verify, body, sig)
}

// NewContentKey returns a fresh symmetric content key.
func NewContentKey() ([]byte, error) {
	return encryption.NewKey()
}

// WrapKey seals contentKey for one recipient: an ephemeral X25519 exchange
// against the recipient's box key derives the wrapping key via HKDF.
func WrapKey(contentKey []byte, to PublicKey) (model.SealedKey, error) {
	var sk model.SealedKey
	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return sk, err
	}
	secret, err := dh.X25519SharedSecret(ephPriv, to.Box)
	if err != nil {
		return sk, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	wrapKey, err := deriveWrapKey(secret, ephPub, to.Box)
	if err != nil {
		return sk, err
	}
	wrapped, err := encryption.AEADEncrypt(wrapKey, contentKey, nil)
	if err != nil {
		return sk, err
	}
	sk.Fingerprint = to.Fingerprint()
	sk.Ephemeral = ephPub
	sk.Wrapped = wrapped
	return sk, nil
}

// UnwrapKey finds our sealed copy among keys and recovers the content key.
func UnwrapKey(keys []model.SealedKey, kp *KeyPair) ([]byte, error) {
	fp := kp.Pub.Fingerprint()
	for _, sk := range keys {
		if !bytes.Equal(sk.Fingerprint[:], fp[:]) {
			continue
		}
		secret, err := dh.X25519SharedSecret(kp.boxPriv, sk.Ephemeral)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		wrapKey, err := deriveWrapKey(secret, sk.Ephemeral, kp.Pub.Box)
		if err != nil {
			return nil, err
		}
		contentKey, err := encryption.AEADDecrypt(wrapKey, sk.Wrapped, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap: %v", ErrUnauthenticated, err)
		}
		if len(contentKey) != encryption.KeySize {
			return nil, fmt.Errorf("%w: unwrapped key is %d bytes", ErrBadKey, len(contentKey))
		}
		return contentKey, nil
	}
	return nil, ErrNoKeyForMe
}

// EncryptContent encrypts the serialized content under the symmetric key.
func EncryptContent(contentKey, plaintext []byte) ([]byte, error) {
	return encryption.AEADEncrypt(contentKey, plaintext, nil)
}

// DecryptContent reverses EncryptContent. An AEAD failure means either a
// tampered body or a stale cached key; callers distinguish by retrying with
// a freshly unwrapped key.
func DecryptContent(contentKey, body []byte) ([]byte, error) {
	plain, err := encryption.AEADDecrypt(contentKey, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return plain, nil
}

func deriveWrapKey(secret []byte, ephPub, recipient [32]byte) ([]byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, recipient[:]...)
	wrapKey := make([]byte, encryption.KeySize)
	if _, err := kdf.HKDF(secret, salt, wrapInfo, wrapKey); err != nil {
		return nil, err
	}
	return wrapKey, nil
}
