// Package tokenrefresh collapses concurrent token-refresh attempts for a
// single integration into one network call, two layers deep: in-process via
// singleflight, and across processes via a short-lived lock in the shared
// state store. A 401 from any provider triggers EnsureFresh once; the
// caller then retries its original request with whatever token comes back.
package tokenrefresh

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/syncdplatform/syncd/internal/application/common"
)

// RefreshFunc performs the actual provider-specific token refresh and
// returns the new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// Manager serializes refreshes for a set of integrations sharing one
// process, and across processes via the shared state store.
type Manager struct {
	sss      common.SharedStateStore
	group    singleflight.Group
	lockTTL  time.Duration
}

// NewManager builds a Manager. lockTTL bounds how long the cross-process
// lock is held; it should comfortably exceed a slow token endpoint's worst
// case latency so a second process doesn't refresh again needlessly.
func NewManager(sss common.SharedStateStore, lockTTL time.Duration) *Manager {
	return &Manager{sss: sss, lockTTL: lockTTL}
}

// EnsureFresh refreshes the token for integrationID, collapsing concurrent
// callers in this process via singleflight and concurrent callers across
// processes via an SSS lock. If another process is already refreshing (lock
// not acquired), this call waits for a short poll window and then re-checks
// the SSS-cached token value the winner is expected to publish under
// cacheKey(integrationID).
func (m *Manager) EnsureFresh(ctx context.Context, integrationID string, refresh RefreshFunc) (string, error) {
	token, err, _ := m.group.Do(integrationID, func() (interface{}, error) {
		lockKey := lockKey(integrationID)
		acquired, err := m.sss.Add(ctx, lockKey, "1", m.lockTTL)
		if err != nil {
			return "", fmt.Errorf("acquire token refresh lock: %w", err)
		}
		if !acquired {
			// Another process is refreshing; give it a moment then read
			// back whatever it publishes.
			time.Sleep(500 * time.Millisecond)
			if cached, ok, _ := m.sss.Get(ctx, cacheKey(integrationID)); ok {
				return cached, nil
			}
			return "", fmt.Errorf("token refresh already in progress for %s", integrationID)
		}
		defer m.sss.Delete(ctx, lockKey)

		newToken, err := refresh(ctx)
		if err != nil {
			return "", err
		}
		_ = m.sss.Set(ctx, cacheKey(integrationID), newToken, m.lockTTL)
		return newToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func lockKey(integrationID string) string {
	return "token_refresh_lock:" + integrationID
}

func cacheKey(integrationID string) string {
	return "token_refresh_value:" + integrationID
}
