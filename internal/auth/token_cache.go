package auth

import (
	"sync"
	"time"
)

// TokenCache remembers tokens that already passed signature verification so
// the websocket and API paths do not re-verify on every request.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]*cachedToken
	ttl    time.Duration
	stop   chan struct{}
	once   sync.Once
}

type cachedToken struct {
	claims    *Claims
	expiresAt time.Time
	cachedAt  time.Time
}

// NewTokenCache creates a new token cache with the specified TTL
func NewTokenCache(ttl time.Duration) *TokenCache {
	if ttl == 0 {
		ttl = 5 * time.Minute // Default: 5 minutes cache
	}

	cache := &TokenCache{
		tokens: make(map[string]*cachedToken),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}

	go cache.cleanupLoop()

	return cache
}

// Get retrieves verified claims from the cache
func (c *TokenCache) Get(token string) (*Claims, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.tokens[token]
	if !exists {
		return nil, false
	}

	now := time.Now()
	if now.After(cached.cachedAt.Add(c.ttl)) {
		return nil, false
	}
	if now.After(cached.expiresAt) {
		return nil, false
	}

	return cached.claims, true
}

// Set stores verified claims in the cache
func (c *TokenCache) Set(token string, claims *Claims) {
	if claims == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[token] = &cachedToken{
		claims:    claims,
		expiresAt: time.Unix(claims.ExpiresAt, 0),
		cachedAt:  time.Now(),
	}
}

// Delete removes a token from the cache
func (c *TokenCache) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tokens, token)
}

// Size returns the number of cached tokens
func (c *TokenCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tokens)
}

// Stop ends the cleanup loop. Safe to call more than once.
func (c *TokenCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *TokenCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup removes expired entries
func (c *TokenCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for token, cached := range c.tokens {
		if now.After(cached.cachedAt.Add(c.ttl)) || now.After(cached.expiresAt) {
			delete(c.tokens, token)
		}
	}
}
