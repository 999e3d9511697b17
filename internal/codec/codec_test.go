package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opencollab/internal/model"
)

func sampleEnvelopes() []*model.Envelope {
	sealedKey := model.SealedKey{
		Fingerprint: [model.FingerprintSize]byte{1, 2, 3, 4},
		Ephemeral:   [32]byte{5, 6, 7},
		Wrapped:     []byte{9, 9, 9, 9},
	}
	return []*model.Envelope{
		{
			Kind:   model.KindRequest,
			Sealed: true,
			ID:     42,
			Method: "doc.update",
			Origin: "alice",
			Target: "bob",
			Keys:   []model.SealedKey{sealedKey},
			Body:   []byte("ciphertext"),
			Sig:    []byte("signature"),
		},
		{
			Kind:   model.KindRequest,
			Method: "peer.init",
			Body:   []byte(`{"method":"peer.init","params":[]}`),
			ID:     1,
		},
		{
			Kind:   model.KindResponse,
			Sealed: true,
			ID:     42,
			Origin: "bob",
			Target: "alice",
			Keys:   []model.SealedKey{sealedKey},
			Body:   []byte("ct"),
			Sig:    []byte("sig"),
		},
		{
			Kind:    model.KindResponseError,
			ID:      7,
			Origin:  "bob",
			Target:  "alice",
			Message: "handler exploded",
		},
		{
			Kind:   model.KindNotification,
			Sealed: true,
			Method: "room.onJoin",
			Target: "carol",
			Keys:   []model.SealedKey{sealedKey},
			Body:   []byte("n"),
			Sig:    []byte("s"),
		},
		{
			Kind:   model.KindBroadcast,
			Sealed: true,
			Method: "awareness.update",
			Origin: "alice",
			Keys:   []model.SealedKey{sealedKey, sealedKey},
			Body:   []byte("broadcast body"),
			Sig:    []byte("sg"),
		},
		{
			Kind:    model.KindError,
			Message: "no such recipient",
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, env := range sampleEnvelopes() {
		t.Run(env.Kind.String(), func(t *testing.T) {
			frame, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			require.Equal(t, env, decoded)
		})
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	valid, err := Encode(sampleEnvelopes()[0])
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":               {},
		"short prefix":        {0, 0, 1},
		"length mismatch":     {0, 0, 0, 99, 1, 0},
		"truncated payload":   valid[:len(valid)-3],
		"zero kind":           {0, 0, 0, 2, 0, 0},
		"unknown kind":        {0, 0, 0, 2, 77, 0},
		"field past the end":  {0, 0, 0, 7, 1, 0, 0, 0, 0, 0, 9},
		"oversized substring": {0, 0, 0, 6, 6, 0, 255, 255, 255, 255},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	frame, err := Encode(sampleEnvelopes()[0])
	require.NoError(t, err)

	frame = append(frame, 0xFF)
	frame[3] += 1 // keep the length prefix consistent
	_, err = Decode(frame)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeNeverPanics(t *testing.T) {
	frame, err := Encode(sampleEnvelopes()[0])
	require.NoError(t, err)

	// Flip every byte in turn; decode may fail but must stay total.
	for i := range frame {
		mutated := append([]byte(nil), frame...)
		mutated[i] ^= 0xFF
		_, _ = Decode(mutated)
	}
}
