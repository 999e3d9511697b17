// Package codec frames message envelopes as [4-byte BE length][payload].
// The payload leads with the kind discriminator; all variable fields are
// length-prefixed. Decode is total: malformed input yields ErrMalformedFrame,
// never a panic.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"opencollab/internal/model"
)

// MaxFrameSize bounds a single payload. Anything larger is malformed.
const MaxFrameSize = 1 << 24

var ErrMalformedFrame = errors.New("malformed frame")

// Encode produces the full frame for env, length prefix included.
func Encode(env *model.Envelope) ([]byte, error) {
	w := &writer{buf: make([]byte, 4, 256)}
	w.byte(byte(env.Kind))
	w.bool(env.Sealed)
	w.str(env.Origin)

	switch env.Kind {
	case model.KindRequest:
		w.uint64(env.ID)
		w.str(env.Target)
		w.str(env.Method)
	case model.KindResponse:
		w.uint64(env.ID)
		w.str(env.Target)
	case model.KindResponseError:
		w.uint64(env.ID)
		w.str(env.Target)
		w.str(env.Message)
	case model.KindNotification:
		w.str(env.Target)
		w.str(env.Method)
	case model.KindBroadcast:
		w.str(env.Method)
	case model.KindError:
		w.str(env.Message)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedFrame, env.Kind)
	}

	w.keys(env.Keys)
	w.bytes(env.Body)
	w.bytes(env.Sig)

	payload := len(w.buf) - 4
	if payload > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload %d exceeds limit", ErrMalformedFrame, payload)
	}
	binary.BigEndian.PutUint32(w.buf[:4], uint32(payload))
	return w.buf, nil
}

// Decode parses a full frame, length prefix included.
func Decode(frame []byte) (*model.Envelope, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: short frame", ErrMalformedFrame)
	}
	size := binary.BigEndian.Uint32(frame[:4])
	if size > MaxFrameSize || int(size) != len(frame)-4 {
		return nil, fmt.Errorf("%w: length prefix %d for %d payload bytes", ErrMalformedFrame, size, len(frame)-4)
	}

	r := &reader{buf: frame[4:]}
	env := &model.Envelope{}
	env.Kind = model.Kind(r.byte())
	env.Sealed = r.bool()
	env.Origin = r.str()

	switch env.Kind {
	case model.KindRequest:
		env.ID = r.uint64()
		env.Target = r.str()
		env.Method = r.str()
	case model.KindResponse:
		env.ID = r.uint64()
		env.Target = r.str()
	case model.KindResponseError:
		env.ID = r.uint64()
		env.Target = r.str()
		env.Message = r.str()
	case model.KindNotification:
		env.Target = r.str()
		env.Method = r.str()
	case model.KindBroadcast:
		env.Method = r.str()
	case model.KindError:
		env.Message = r.str()
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedFrame, env.Kind)
	}

	env.Keys = r.keys()
	env.Body = r.bytes()
	env.Sig = r.bytes()

	if r.failed || r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.buf)-r.off)
	}
	return env, nil
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) bool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(p []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(p)))
	w.buf = append(w.buf, p...)
}

func (w *writer) str(s string) {
	w.bytes([]byte(s))
}

func (w *writer) keys(keys []model.SealedKey) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(keys)))
	for _, k := range keys {
		w.buf = append(w.buf, k.Fingerprint[:]...)
		w.buf = append(w.buf, k.Ephemeral[:]...)
		w.bytes(k.Wrapped)
	}
}

type reader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *reader) take(n int) []byte {
	if r.failed || n < 0 || r.off+n > len(r.buf) {
		r.failed = true
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) byte() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) bool() bool {
	return r.byte() == 1
}

func (r *reader) uint64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (r *reader) bytes() []byte {
	p := r.take(4)
	if p == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(p)
	if n > MaxFrameSize {
		r.failed = true
		return nil
	}
	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) str() string {
	return string(r.bytes())
}

func (r *reader) keys() []model.SealedKey {
	p := r.take(2)
	if p == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(p))
	if n == 0 {
		return nil
	}
	keys := make([]model.SealedKey, 0, n)
	for i := 0; i < n; i++ {
		var k model.SealedKey
		copy(k.Fingerprint[:], r.take(model.FingerprintSize))
		copy(k.Ephemeral[:], r.take(32))
		k.Wrapped = r.bytes()
		if r.failed {
			return nil
		}
		keys = append(keys, k)
	}
	return keys
}
