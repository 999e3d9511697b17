package connection

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"opencollab/internal/codec"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
	"opencollab/internal/utils/log"
)

// SendRequest encrypts a request for target and blocks until the matching
// response, the timeout, or disposal. An empty target addresses the direct
// remote endpoint: the server on a client connection, the peer on a
// server-held one.
func (c *Connection) SendRequest(ctx context.Context, method, target string, params ...any) (json.RawMessage, error) {
	return c.request(ctx, method, target, c.timeout, true, params)
}

// RequestWithTimeout is SendRequest with a per-call deadline; the room
// manager uses it for the long host-approval request.
func (c *Connection) RequestWithTimeout(ctx context.Context, method, target string, timeout time.Duration, params ...any) (json.RawMessage, error) {
	return c.request(ctx, method, target, timeout, true, params)
}

// SendCleartextRequest bypasses sealing and the ready barrier. Handshake
// control only.
func (c *Connection) SendCleartextRequest(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.request(ctx, method, "", c.timeout, false, params)
}

func (c *Connection) request(ctx context.Context, method, target string, timeout time.Duration, sealed bool, params []any) (json.RawMessage, error) {
	if c.Disposed() {
		return nil, ErrDisconnected
	}

	content, err := marshalCall(method, params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	env := &model.Envelope{
		Kind:   model.KindRequest,
		ID:     id,
		Method: method,
		Target: target,
		Origin: c.LocalID(),
	}
	if sealed {
		if err := c.awaitReady(ctx); err != nil {
			c.unregister(id)
			return nil, err
		}
		key, err := c.resolveKey(target)
		if err != nil {
			c.unregister(id)
			return nil, err
		}
		if err := c.sealInto(env, content, []seal.PublicKey{key}); err != nil {
			c.unregister(id)
			return nil, err
		}
	} else {
		env.Body = content
	}

	if err := c.write(env); err != nil {
		c.unregister(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.content, res.err
	case <-timer.C:
		c.unregister(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// SendNotification fires an encrypted one-way message at target.
func (c *Connection) SendNotification(ctx context.Context, method, target string, params ...any) error {
	content, err := marshalCall(method, params)
	if err != nil {
		return err
	}
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	key, err := c.resolveKey(target)
	if err != nil {
		return err
	}
	env := &model.Envelope{
		Kind:   model.KindNotification,
		Method: method,
		Target: target,
		Origin: c.LocalID(),
	}
	if err := c.sealInto(env, content, []seal.PublicKey{key}); err != nil {
		return err
	}
	return c.write(env)
}

// SendCleartextNotification bypasses sealing and the ready barrier.
// Handshake control only.
func (c *Connection) SendCleartextNotification(method, target string, params ...any) error {
	content, err := marshalCall(method, params)
	if err != nil {
		return err
	}
	env := &model.Envelope{
		Kind:   model.KindNotification,
		Method: method,
		Target: target,
		Origin: c.LocalID(),
		Body:   content,
	}
	return c.write(env)
}

// SendBroadcast seals for the whole known-peer set. With no known peers the
// broadcast is skipped: the hybrid scheme needs at least one recipient.
func (c *Connection) SendBroadcast(ctx context.Context, method string, params ...any) error {
	content, err := marshalCall(method, params)
	if err != nil {
		return err
	}
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	keys := c.allPeerKeys()
	if len(keys) == 0 {
		log.Debug("skipping broadcast with no known peers", zap.String("method", method))
		return nil
	}
	env := &model.Envelope{
		Kind:   model.KindBroadcast,
		Method: method,
		Origin: c.LocalID(),
	}
	if err := c.sealInto(env, content, keys); err != nil {
		return err
	}
	return c.write(env)
}

// SendError reports a failure to target. Sealed when the target's key is
// known, cleartext otherwise (pre-handshake faults).
func (c *Connection) SendError(target, message string) error {
	env := &model.Envelope{
		Kind:   model.KindError,
		Origin: c.LocalID(),
	}
	key, err := c.resolveKey(target)
	if err != nil {
		env.Message = message
		return c.write(env)
	}
	content, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if err := c.sealInto(env, content, []seal.PublicKey{key}); err != nil {
		return err
	}
	return c.write(env)
}

// Forward re-emits an already sealed envelope on this connection without
// touching its body. The relay path.
func (c *Connection) Forward(env *model.Envelope) error {
	return c.write(env)
}

func (c *Connection) sendResponse(id uint64, target string, content []byte, sealed bool) {
	env := &model.Envelope{
		Kind:   model.KindResponse,
		ID:     id,
		Target: target,
		Origin: c.LocalID(),
	}
	var err error
	if sealed {
		var key seal.PublicKey
		if key, err = c.resolveKey(target); err == nil {
			err = c.sealInto(env, content, []seal.PublicKey{key})
		}
	} else {
		env.Body = content
	}
	if err == nil {
		err = c.write(env)
	}
	if err != nil {
		log.Error("sending response failed", zap.Uint64("id", id), zap.Error(err))
	}
}

func (c *Connection) sendResponseError(id uint64, target, message string, sealed bool) {
	env := &model.Envelope{
		Kind:   model.KindResponseError,
		ID:     id,
		Target: target,
		Origin: c.LocalID(),
	}
	var err error
	if sealed {
		var key seal.PublicKey
		if key, err = c.resolveKey(target); err == nil {
			var content []byte
			if content, err = json.Marshal(message); err == nil {
				err = c.sealInto(env, content, []seal.PublicKey{key})
			}
		}
	} else {
		env.Message = message
	}
	if err == nil {
		err = c.write(env)
	}
	if err != nil {
		log.Error("sending response error failed", zap.Uint64("id", id), zap.Error(err))
	}
}

// sealInto encrypts content with the connection's symmetric key and wraps
// that key for every recipient, serving repeat recipients from the cache.
func (c *Connection) sealInto(env *model.Envelope, content []byte, recipients []seal.PublicKey) error {
	body, err := seal.EncryptContent(c.contentKey, content)
	if err != nil {
		return err
	}
	keys := make([]model.SealedKey, 0, len(recipients))
	for _, r := range recipients {
		fp := r.Fingerprint()
		wrap, ok := c.encCache.Get(fp)
		if !ok {
			wrap, err = seal.WrapKey(c.contentKey, r)
			if err != nil {
				return err
			}
			c.wrapCount.Add(1)
			c.encCache.Put(fp, wrap)
		}
		keys = append(keys, wrap)
	}
	env.Sealed = true
	env.Keys = keys
	env.Body = body
	env.Sig = c.keys.Sign(body)
	return nil
}

func (c *Connection) write(env *model.Envelope) error {
	frame, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if err := c.tr.Write(frame); err != nil {
		return ErrDisconnected
	}
	return nil
}

func (c *Connection) unregister(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func marshalCall(method string, params []any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(model.Call{Method: method, Params: raw})
}
