package credits

import (
	"strconv"

	"github.com/oberonpay/gatewayd/internal/store"
)

// Script status codes shared with the native emulations.
const (
	moveInsufficient = 0
	moveOK           = 1
	moveNoAccount    = 2
)

// createScript provisions an account hash if absent: full mass in
// ALLOCATED, INITIAL recording the origin. Returns 1 on create, 0 when
// the account already exists.
var createScript = store.Script{
	Src: `
if redis.call('HLEN', KEYS[1]) > 0 then
  return 0
end
redis.call('HSET', KEYS[1],
  'INITIAL', ARGV[1],
  'ALLOCATED', ARGV[1],
  'UNLOCKED', 0,
  'RESERVED', 0,
  'CONSUMED', 0,
  'EXPIRED', 0)
return 1
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		if tx.HLen(keys[0]) > 0 {
			return int64(0), nil
		}
		tx.HSet(keys[0], initialField, args[0])
		tx.HSet(keys[0], string(Allocated), args[0])
		for _, b := range []Balance{Unlocked, Reserved, Consumed, Expired} {
			tx.HSet(keys[0], string(b), "0")
		}
		return int64(1), nil
	},
}

// moveScript is the atomic reserve/consume primitive (numkeys=1): check
// the source balance, then move mass between two fields in one round
// trip. Returns {1, newSource} on success, {0, current} when the source
// is short, {2, 0} when the account does not exist.
var moveScript = store.Script{
	Src: `
if redis.call('HLEN', KEYS[1]) == 0 then
  return {2, 0}
end
local have = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local want = tonumber(ARGV[3])
if have < want then
  return {0, have}
end
redis.call('HINCRBY', KEYS[1], ARGV[1], -want)
redis.call('HINCRBY', KEYS[1], ARGV[2], want)
return {1, have - want}
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		if tx.HLen(keys[0]) == 0 {
			return []any{int64(moveNoAccount), int64(0)}, nil
		}
		var have int64
		if raw, ok := tx.HGet(keys[0], args[0]); ok {
			have, _ = strconv.ParseInt(raw, 10, 64)
		}
		want, _ := strconv.ParseInt(args[2], 10, 64)
		if have < want {
			return []any{int64(moveInsufficient), have}, nil
		}
		tx.HIncrBy(keys[0], args[0], -want)
		tx.HIncrBy(keys[0], args[1], want)
		return []any{int64(moveOK), have - want}, nil
	},
}
