package connection

import (
	"encoding/json"

	"go.uber.org/zap"

	"opencollab/internal/codec"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
	"opencollab/internal/utils/log"
)

// readLoop drains the transport and dispatches sequentially: messages from
// the remote endpoint run in arrival order, one at a time.
func (c *Connection) readLoop() {
	for {
		frame, err := c.tr.Read()
		if err != nil {
			if !c.Disposed() {
				c.emitConnError(err)
			}
			c.Dispose()
			return
		}
		env, err := codec.Decode(frame)
		if err != nil {
			// Structural fault: the stream cannot be trusted past this point.
			log.Error("malformed frame, closing connection", zap.Error(err))
			c.emitConnError(err)
			c.Dispose()
			return
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env *model.Envelope) {
	if f := c.getForwarder(); f != nil && f(env) {
		return
	}

	switch env.Kind {
	case model.KindResponse:
		content, err := c.openBody(env)
		if err != nil {
			log.Error("decrypting response failed", zap.Uint64("id", env.ID), zap.Error(err))
			c.settle(env.ID, result{err: err})
			return
		}
		c.settle(env.ID, result{content: content})

	case model.KindResponseError:
		message, err := c.openMessage(env)
		if err != nil {
			log.Error("decrypting response error failed", zap.Uint64("id", env.ID), zap.Error(err))
			c.settle(env.ID, result{err: err})
			return
		}
		c.settle(env.ID, result{err: &RemoteError{Message: message}})

	// Handler invocations go through the serialized worker so a handler
	// awaiting its own outbound request cannot stall response settlement.
	case model.KindRequest:
		c.enqueue(func() { c.handleRequest(env) })

	case model.KindNotification:
		c.enqueue(func() { c.handleNotify(env, c.notifyHandler) })

	case model.KindBroadcast:
		c.enqueue(func() { c.handleNotify(env, c.broadcastHandler) })

	case model.KindError:
		message, err := c.openMessage(env)
		if err != nil {
			log.Error("decrypting error message failed", zap.Error(err))
			return
		}
		c.emitError(&RemoteError{Message: message})

	default:
		log.Warn("dropping envelope of unknown kind", zap.Uint8("kind", uint8(env.Kind)))
	}
}

func (c *Connection) handleRequest(env *model.Envelope) {
	content, err := c.openBody(env)
	if err != nil {
		log.Error("decrypting request failed", zap.String("origin", env.Origin), zap.Error(err))
		return
	}
	var call model.Call
	if err := json.Unmarshal(content, &call); err != nil {
		log.Error("unmarshalling request content failed", zap.Error(err))
		return
	}

	h := c.requestHandler(call.Method)
	if h == nil {
		// No error response on the wire; the caller runs into its timeout.
		log.Debug("dropping request for unregistered method", zap.String("method", call.Method))
		return
	}

	res, herr := h(c.ctx, env.Origin, call.Params)

	// Sealed responses are held until the handshake finishes; cleartext
	// ones are the handshake.
	if env.Sealed {
		select {
		case <-c.readyCh:
		case <-c.closedCh:
			return
		}
	}

	if herr != nil {
		c.sendResponseError(env.ID, env.Origin, herr.Error(), env.Sealed)
		return
	}
	content, err = json.Marshal(res)
	if err != nil {
		c.sendResponseError(env.ID, env.Origin, err.Error(), env.Sealed)
		return
	}
	c.sendResponse(env.ID, env.Origin, content, env.Sealed)
}

func (c *Connection) handleNotify(env *model.Envelope, lookup func(string) NotificationHandler) {
	content, err := c.openBody(env)
	if err != nil {
		log.Error("decrypting message failed", zap.String("kind", env.Kind.String()), zap.Error(err))
		return
	}
	var call model.Call
	if err := json.Unmarshal(content, &call); err != nil {
		log.Error("unmarshalling message content failed", zap.Error(err))
		return
	}
	h := lookup(call.Method)
	if h == nil {
		log.Debug("no handler registered", zap.String("method", call.Method))
		return
	}
	h(env.Origin, call.Params)
}

// openBody yields the plaintext content of env. For sealed envelopes it
// verifies the origin claim when the sender's key is known, then tries the
// cached content key for that sender before unwrapping.
func (c *Connection) openBody(env *model.Envelope) ([]byte, error) {
	if !env.Sealed {
		return env.Body, nil
	}

	senderKey, haveSender := c.lookupSender(env.Origin)
	if haveSender && !seal.Verify(senderKey, env.Body, env.Sig) {
		return nil, seal.ErrUnauthenticated
	}

	var fp [model.FingerprintSize]byte
	if haveSender {
		fp = senderKey.Fingerprint()
		if key, ok := c.decCache.Get(fp); ok {
			if plain, err := seal.DecryptContent(key, env.Body); err == nil {
				return plain, nil
			}
			// Stale cache entry: the sender rekeyed. Fall through to unwrap.
		}
	}

	key, err := seal.UnwrapKey(env.Keys, c.keys)
	if err != nil {
		return nil, err
	}
	plain, err := seal.DecryptContent(key, env.Body)
	if err != nil {
		return nil, err
	}
	if haveSender {
		c.decCache.Put(fp, key)
	}
	return plain, nil
}

func (c *Connection) openMessage(env *model.Envelope) (string, error) {
	if !env.Sealed {
		return env.Message, nil
	}
	content, err := c.openBody(env)
	if err != nil {
		return "", err
	}
	var message string
	if err := json.Unmarshal(content, &message); err != nil {
		return "", err
	}
	return message, nil
}

func (c *Connection) lookupSender(origin string) (seal.PublicKey, bool) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if origin == "" {
		if c.remoteKey == nil {
			return seal.PublicKey{}, false
		}
		return *c.remoteKey, true
	}
	key, ok := c.peers[origin]
	return key, ok
}

func (c *Connection) settle(id uint64, res result) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		log.Debug("dropping response for unknown request id", zap.Uint64("id", id))
		return
	}
	ch <- res
}

func (c *Connection) emitError(err error) {
	c.eventMu.Lock()
	subs := append([]func(error){}, c.onError...)
	c.eventMu.Unlock()
	for _, f := range subs {
		f(err)
	}
}

func (c *Connection) emitConnError(err error) {
	c.eventMu.Lock()
	subs := append([]func(error){}, c.onConnError...)
	c.eventMu.Unlock()
	for _, f := range subs {
		f(err)
	}
}
