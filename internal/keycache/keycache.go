// Package keycache holds a connection's derived key material so repeated
// sends to the same recipients skip the asymmetric operations.
package keycache

import (
	"sync"

	"opencollab/internal/model"
)

// Slack on top of the known-peer count before a cache is dropped wholesale.
// Dropping everything instead of evicting keeps the invariants trivial.
const Slack = 50

type fingerprint = [model.FingerprintSize]byte

type (
	// EncryptionCache maps recipient fingerprint -> cached key wrap.
	EncryptionCache struct {
		mu        sync.Mutex
		entries   map[fingerprint]model.SealedKey
		peerCount func() int
	}

	// DecryptionCache maps sender fingerprint -> unwrapped content key.
	DecryptionCache struct {
		mu        sync.Mutex
		entries   map[fingerprint][]byte
		peerCount func() int
	}
)

// NewEncryptionCache builds a cache bounded by peerCount() + Slack.
func NewEncryptionCache(peerCount func() int) *EncryptionCache {
	return &EncryptionCache{
		entries:   make(map[fingerprint]model.SealedKey),
		peerCount: peerCount,
	}
}

func (c *EncryptionCache) Get(fp fingerprint) (model.SealedKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrap, ok := c.entries[fp]
	return wrap, ok
}

func (c *EncryptionCache) Put(fp fingerprint, wrap model.SealedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fp]; !ok && len(c.entries) >= c.peerCount()+Slack {
		c.entries = make(map[fingerprint]model.SealedKey)
	}
	c.entries[fp] = wrap
}

func (c *EncryptionCache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[fingerprint]model.SealedKey)
}

func (c *EncryptionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func NewDecryptionCache(peerCount func() int) *DecryptionCache {
	return &DecryptionCache{
		entries:   make(map[fingerprint][]byte),
		peerCount: peerCount,
	}
}

func (c *DecryptionCache) Get(fp fingerprint) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.entries[fp]
	return key, ok
}

func (c *DecryptionCache) Put(fp fingerprint, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fp]; !ok && len(c.entries) >= c.peerCount()+Slack {
		c.entries = make(map[fingerprint][]byte)
	}
	c.entries[fp] = key
}

func (c *DecryptionCache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[fingerprint][]byte)
}

func (c *DecryptionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
