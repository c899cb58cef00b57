package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/store"
)

const lockPrefix = "billing:lock:"

// DefaultLockTTL bounds how long a crashed holder can block an entry.
var DefaultLockTTL = 30 * time.Second

// unlockScript releases the entry lock only if the holder token still
// matches, so an expired lock re-acquired by another writer is never
// deleted out from under them.
var unlockScript = store.Script{
	Src: `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		if v, ok := tx.Get(keys[0]); ok && v == args[0] {
			tx.Del(keys[0])
			return int64(1), nil
		}
		return int64(0), nil
	},
}

// acquireEntryLock takes billing:lock:{entry_id} with SET NX EX. A held
// lock is contention, not an error.
func (m *Machine) acquireEntryLock(ctx context.Context, entryID, token string) (bool, error) {
	return m.st.Set(ctx, lockPrefix+entryID, token, store.SetOptions{
		NX:  true,
		TTL: m.cfg.LockTTL,
	})
}

func (m *Machine) releaseEntryLock(ctx context.Context, entryID, token string) {
	if _, err := unlockScript.Run(ctx, m.st, 1, lockPrefix+entryID, token); err != nil {
		// The TTL reclaims it; losing the early release is harmless.
		m.log.Warn("entry lock release failed",
			zap.String("entry_id", entryID), zap.Error(err))
	}
}

// guarded runs op while holding the entry lock. A held lock short-circuits
// to a lock_contention result before any state is read or written.
func (m *Machine) guarded(ctx context.Context, entryID, token string, op func() (*Result, error)) (*Result, error) {
	ok, err := m.acquireEntryLock(ctx, entryID, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return contention(entryID), nil
	}
	defer m.releaseEntryLock(ctx, entryID, token)
	return op()
}
