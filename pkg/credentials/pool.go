// Package credentials rotates a fixed set of upstream API credentials and
// tracks which of them are currently failing.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fingerprintLength = 12

var (
	// ErrEmptyPool indicates that no usable secrets were supplied.
	ErrEmptyPool = errors.New("credentials: pool has no credentials")
	// ErrPoolExhausted indicates that the pool cannot return a credential.
	ErrPoolExhausted = errors.New("credentials: pool exhausted")
	// ErrUnknownCredential indicates that a credential does not belong to the pool.
	ErrUnknownCredential = errors.New("credentials: credential not in pool")
	// ErrInvalidCooldown indicates a negative cooldown duration.
	ErrInvalidCooldown = errors.New("credentials: cooldown must be non-negative")
)

// Credential is one upstream access token and its position in the pool.
type Credential struct {
	Index  int
	Secret string
}

// Fingerprint returns a short stable digest of the secret, safe to log.
func (credential Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(credential.Secret))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// String never includes the secret.
func (credential Credential) String() string {
	return fmt.Sprintf("credential#%d(%s)", credential.Index, credential.Fingerprint())
}

// CooldownStore shares failure state between processes. Block records a
// failure for ttl; Blocked reports whether one is still active.
type CooldownStore interface {
	Block(ctx context.Context, fingerprint string, ttl time.Duration) error
	Blocked(ctx context.Context, fingerprint string) (bool, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldown re-admits a failed credential once duration has elapsed.
// Zero keeps credentials failed until the whole pool is reset.
func WithCooldown(duration time.Duration) Option {
	return func(pool *Pool) {
		pool.cooldown = duration
	}
}

// WithCooldownStore shares failures through store.
func WithCooldownStore(store CooldownStore) Option {
	return func(pool *Pool) {
		pool.cooldownStore = store
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(pool *Pool) {
		if now != nil {
			pool.now = now
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(pool *Pool) {
		if logger != nil {
			pool.logger = logger
		}
	}
}

// Pool hands out credentials in rotation, skipping those marked failed.
type Pool struct {
	mu            sync.Mutex
	credentials   []Credential
	cursor        int
	failedAt      map[int]time.Time
	cooldown      time.Duration
	cooldownStore CooldownStore
	now           func() time.Time
	logger        *zap.Logger
}

// NewPool builds a pool from secrets. Blank entries are dropped and
// duplicates collapse to their first occurrence.
func NewPool(secrets []string, options ...Option) (*Pool, error) {
	seen := make(map[string]struct{}, len(secrets))
	credentials := make([]Credential, 0, len(secrets))
	for _, raw := range secrets {
		secret := strings.TrimSpace(raw)
		if secret == "" {
			continue
		}
		if _, duplicate := seen[secret]; duplicate {
			continue
		}
		seen[secret] = struct{}{}
		credentials = append(credentials, Credential{Index: len(credentials), Secret: secret})
	}
	if len(credentials) == 0 {
		return nil, ErrEmptyPool
	}
	pool := &Pool{
		credentials: credentials,
		failedAt:    make(map[int]time.Time),
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(pool)
		}
	}
	if pool.cooldown < 0 {
		return nil, ErrInvalidCooldown
	}
	return pool, nil
}

// Size returns the number of credentials in the pool.
func (pool *Pool) Size() int {
	if pool == nil {
		return 0
	}
	return len(pool.credentials)
}

// Healthy returns the number of credentials not marked failed locally.
func (pool *Pool) Healthy() int {
	if pool == nil {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.healthyLocked()
}

// Current returns the credential at the cursor, skipping failed entries.
// When every credential is failed the failed set is cleared and the cursor
// credential is returned anyway. The shared cooldown store is consulted
// without holding the pool lock.
func (pool *Pool) Current(ctx context.Context) (Credential, error) {
	if pool == nil || len(pool.credentials) == 0 {
		return Credential{}, ErrPoolExhausted
	}
	for _, candidate := range pool.localCandidates() {
		if !pool.sharedAvailable(ctx, candidate) {
			continue
		}
		if pool.claim(candidate) {
			return candidate, nil
		}
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.logger.Warn("credential pool exhausted, resetting failed set",
		zap.Int("size", len(pool.credentials)),
		zap.String("credential", pool.credentials[pool.cursor].String()),
	)
	pool.failedAt = make(map[int]time.Time)
	return pool.credentials[pool.cursor], nil
}

// MarkFailed records credential as failed and advances the cursor past it.
func (pool *Pool) MarkFailed(ctx context.Context, credential Credential) error {
	if pool == nil || len(pool.credentials) == 0 {
		return ErrPoolExhausted
	}
	if credential.Index < 0 || credential.Index >= len(pool.credentials) || pool.credentials[credential.Index].Secret != credential.Secret {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, credential)
	}
	pool.mu.Lock()
	pool.failedAt[credential.Index] = pool.now()
	if pool.cursor == credential.Index {
		pool.cursor = (credential.Index + 1) % len(pool.credentials)
	}
	healthy := pool.healthyLocked()
	pool.mu.Unlock()

	pool.logger.Info("credential marked failed",
		zap.String("credential", credential.String()),
		zap.Int("healthy", healthy),
	)
	if pool.cooldownStore != nil && pool.cooldown > 0 {
		if err := pool.cooldownStore.Block(ctx, credential.Fingerprint(), pool.cooldown); err != nil {
			pool.logger.Warn("credential cooldown not shared", zap.String("credential", credential.String()), zap.Error(err))
		}
	}
	return nil
}

// localCandidates lists, in rotation order from the cursor, the credentials
// not failed in this process. Expired local failures are cleared.
func (pool *Pool) localCandidates() []Credential {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	size := len(pool.credentials)
	candidates := make([]Credential, 0, size)
	for offset := 0; offset < size; offset++ {
		index := (pool.cursor + offset) % size
		if failedAt, failed := pool.failedAt[index]; failed {
			if pool.cooldown <= 0 || pool.now().Sub(failedAt) < pool.cooldown {
				continue
			}
			delete(pool.failedAt, index)
		}
		candidates = append(candidates, pool.credentials[index])
	}
	return candidates
}

// claim moves the cursor to candidate unless it was marked failed since the
// candidates were listed.
func (pool *Pool) claim(candidate Credential) bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if _, failed := pool.failedAt[candidate.Index]; failed {
		return false
	}
	pool.cursor = candidate.Index
	return true
}

func (pool *Pool) healthyLocked() int {
	healthy := 0
	for index := range pool.credentials {
		if pool.locallyAvailable(index) {
			healthy++
		}
	}
	return healthy
}

func (pool *Pool) locallyAvailable(index int) bool {
	failedAt, failed := pool.failedAt[index]
	if !failed {
		return true
	}
	return pool.cooldown > 0 && pool.now().Sub(failedAt) >= pool.cooldown
}

func (pool *Pool) sharedAvailable(ctx context.Context, credential Credential) bool {
	if pool.cooldownStore == nil {
		return true
	}
	blocked, err := pool.cooldownStore.Blocked(ctx, credential.Fingerprint())
	if err != nil {
		pool.logger.Warn("credential cooldown lookup failed", zap.String("credential", credential.String()), zap.Error(err))
		return true
	}
	return !blocked
}
