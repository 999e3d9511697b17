package seal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opencollab/internal/model"
)

func TestPublicKeyRoundTrip(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(kp.Pub.Bytes())
	require.NoError(t, err)
	require.Equal(t, kp.Pub, parsed)
	require.Equal(t, kp.Pub.Fingerprint(), parsed.Fingerprint())
}

func TestParsePublicKeyRejectsBadLength(t *testing.T) {
	_, err := ParsePublicKey(make([]byte, 12))
	require.ErrorIs(t, err, ErrBadKey)
}

func TestEveryRecipientRecoversContent(t *testing.T) {
	sender, err := NewKeyPair()
	require.NoError(t, err)

	recipients := make([]*KeyPair, 3)
	for i := range recipients {
		recipients[i], err = NewKeyPair()
		require.NoError(t, err)
	}

	contentKey, err := NewContentKey()
	require.NoError(t, err)

	plaintext := []byte(`{"method":"note","params":["x"]}`)
	body, err := EncryptContent(contentKey, plaintext)
	require.NoError(t, err)
	sig := sender.Sign(body)

	keys := make([]model.SealedKey, 0, len(recipients))
	for _, r := range recipients {
		wrap, err := WrapKey(contentKey, r.Pub)
		require.NoError(t, err)
		keys = append(keys, wrap)
	}

	for _, r := range recipients {
		unwrapped, err := UnwrapKey(keys, r)
		require.NoError(t, err)
		require.Equal(t, contentKey, unwrapped)

		plain, err := DecryptContent(unwrapped, body)
		require.NoError(t, err)
		require.Equal(t, plaintext, plain)
		require.True(t, Verify(sender.Pub, body, sig))
	}
}

func TestOutsiderGetsNoKey(t *testing.T) {
	recipient, err := NewKeyPair()
	require.NoError(t, err)
	outsider, err := NewKeyPair()
	require.NoError(t, err)

	contentKey, err := NewContentKey()
	require.NoError(t, err)
	wrap, err := WrapKey(contentKey, recipient.Pub)
	require.NoError(t, err)

	// The relay holds its own keys but no sealed copy; it must not be able
	// to recover the content key.
	_, err = UnwrapKey([]model.SealedKey{wrap}, outsider)
	require.ErrorIs(t, err, ErrNoKeyForMe)
}

func TestTamperedBodyFailsAuthentication(t *testing.T) {
	contentKey, err := NewContentKey()
	require.NoError(t, err)

	body, err := EncryptContent(contentKey, []byte("payload"))
	require.NoError(t, err)
	body[len(body)-1] ^= 0xFF

	_, err = DecryptContent(contentKey, body)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTamperedWrapFailsAuthentication(t *testing.T) {
	recipient, err := NewKeyPair()
	require.NoError(t, err)
	contentKey, err := NewContentKey()
	require.NoError(t, err)

	wrap, err := WrapKey(contentKey, recipient.Pub)
	require.NoError(t, err)
	wrap.Wrapped[0] ^= 0xFF

	_, err = UnwrapKey([]model.SealedKey{wrap}, recipient)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSignatureBindsSender(t *testing.T) {
	sender, err := NewKeyPair()
	require.NoError(t, err)
	impostor, err := NewKeyPair()
	require.NoError(t, err)

	body := []byte("sealed body")
	sig := sender.Sign(body)
	require.True(t, Verify(sender.Pub, body, sig))
	require.False(t, Verify(impostor.Pub, body, sig))
	require.False(t, Verify(sender.Pub, []byte("other body"), sig))
}
