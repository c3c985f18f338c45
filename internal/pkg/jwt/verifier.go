package jwt

import (
	"sync"
	"time"
)

// maxCacheEntries 缓存上限，写满时先清理过期条目，仍满则不再缓存
const maxCacheEntries = 10000

type cacheEntry struct {
	userID    int64
	expiresAt time.Time
}

// Verifier 带短期缓存的令牌校验器
//
// 缓存条目的有效期取 ttl 与令牌自身过期时间中较早者，过期令牌不会因缓存而继续有效。
type Verifier struct {
	secret string
	ttl    time.Duration
	now    func() time.Time
	limit  int

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{
		secret:  secret,
		ttl:     ttl,
		now:     time.Now,
		limit:   maxCacheEntries,
		entries: make(map[string]cacheEntry),
	}
}

// Verify 校验令牌并返回用户 ID
func (v *Verifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}

	now := v.now()

	v.mu.Lock()
	entry, ok := v.entries[token]
	v.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.userID, nil
	}

	claims, err := ParseToken(token, v.secret)
	if err != nil {
		v.mu.Lock()
		delete(v.entries, token)
		v.mu.Unlock()
		return 0, err
	}

	if v.ttl > 0 {
		expiresAt := now.Add(v.ttl)
		if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiresAt) {
			expiresAt = claims.ExpiresAt.Time
		}

		v.mu.Lock()
		if len(v.entries) >= v.limit {
			v.evictLocked(now)
		}
		if len(v.entries) < v.limit {
			v.entries[token] = cacheEntry{userID: claims.UserID, expiresAt: expiresAt}
		}
		v.mu.Unlock()
	}

	return claims.UserID, nil
}

// Len 当前缓存条目数
func (v *Verifier) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

func (v *Verifier) evictLocked(now time.Time) {
	for token, entry := range v.entries {
		if !now.Before(entry.expiresAt) {
			delete(v.entries, token)
		}
	}
}
