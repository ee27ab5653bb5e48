// Package lockstore keeps short-lived seat claims in Redis.  Each show has
// one hash, lock:show:{id}, mapping seat id to the holder id, with a single
// TTL for the whole hash.  Claims are taken and released by server-side
// scripts so that no caller ever does check-then-set across round trips.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockExpired means a seat is no longer present in the show's map.
	ErrLockExpired = errors.New("seat lock expired")
	// ErrLockedByOther means a seat is present but held by someone else.
	ErrLockedByOther = errors.New("seat locked by another holder")
)

// OwnershipError names the first seat that failed an ownership check.
type OwnershipError struct {
	Seat string
	Err  error
}

func (e *OwnershipError) Error() string { return fmt.Sprintf("%s: %v", e.Seat, e.Err) }
func (e *OwnershipError) Unwrap() error { return e.Err }

// Result is the outcome of TryLock.  ConflictSeat is set only when OK is
// false.
type Result struct {
	OK           bool
	ConflictSeat string
}

// Key returns the Redis key holding the locks of a show.
func Key(showID uint64) string { return "lock:show:" + strconv.FormatUint(showID, 10) }

// tryLockScript claims every requested seat or none.  A seat already held
// by the same holder counts as free.  The hash TTL is only set when the
// hash has none, so re-locking never resets other seats' timers.
var tryLockScript = redis.NewScript(`
local holder = ARGV[1]
local ttl = tonumber(ARGV[2])
for i = 3, #ARGV do
    local cur = redis.call('HGET', KEYS[1], ARGV[i])
    if cur and cur ~= holder then
        return {0, ARGV[i]}
    end
end
for i = 3, #ARGV do
    redis.call('HSET', KEYS[1], ARGV[i], holder)
end
if redis.call('TTL', KEYS[1]) == -1 then
    redis.call('EXPIRE', KEYS[1], ttl)
end
return {1, ''}
`)

// unlockScript deletes only the seats whose recorded holder matches.
var unlockScript = redis.NewScript(`
local n = 0
for i = 2, #ARGV do
    if redis.call('HGET', KEYS[1], ARGV[i]) == ARGV[1] then
        redis.call('HDEL', KEYS[1], ARGV[i])
        n = n + 1
    end
end
return n
`)

// refreshScript raises the hash TTL to ARGV[1] seconds but never lowers it.
var refreshScript = redis.NewScript(`
local cur = redis.call('TTL', KEYS[1])
if cur == -2 then
    return 0
end
if cur == -1 or cur < tonumber(ARGV[1]) then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// RedisLockStore is the Redis implementation of the seat lock store.
type RedisLockStore struct {
	rdb redis.UniversalClient
}

// NewRedisLockStore binds the store to a Redis client.  The client is
// mandatory: without it no seat can be claimed.
func NewRedisLockStore(rdb redis.UniversalClient) *RedisLockStore {
	if rdb == nil {
		panic("nil redis client passed to NewRedisLockStore")
	}
	return &RedisLockStore{rdb: rdb}
}

// TryLock claims seats for holder in one round trip.  Either every seat is
// granted or the first seat held by someone else is reported.
func (s *RedisLockStore) TryLock(ctx context.Context, showID uint64, seats []string, holder string, ttl time.Duration) (Result, error) {
	if len(seats) == 0 {
		return Result{OK: true}, nil
	}
	args := make([]interface{}, 0, len(seats)+2)
	args = append(args, holder, ttlSeconds(ttl))
	for _, seat := range seats {
		args = append(args, seat)
	}
	vals, err := tryLockScript.Run(ctx, s.rdb, []string{Key(showID)}, args...).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("lockstore: try lock: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("lockstore: unexpected try lock reply %v", vals)
	}
	if ok, _ := vals[0].(int64); ok == 1 {
		return Result{OK: true}, nil
	}
	seat, _ := vals[1].(string)
	return Result{ConflictSeat: seat}, nil
}

// Unlock releases the seats held by holder and returns how many were
// released.  Seats held by anyone else, or already gone, are left alone.
func (s *RedisLockStore) Unlock(ctx context.Context, showID uint64, seats []string, holder string) (int, error) {
	if len(seats) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(seats)+1)
	args = append(args, holder)
	for _, seat := range seats {
		args = append(args, seat)
	}
	n, err := unlockScript.Run(ctx, s.rdb, []string{Key(showID)}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("lockstore: unlock: %w", err)
	}
	return n, nil
}

// AssertOwned checks that holder still holds every seat.  It returns an
// *OwnershipError wrapping ErrLockExpired or ErrLockedByOther for the
// first seat that fails.
func (s *RedisLockStore) AssertOwned(ctx context.Context, showID uint64, seats []string, holder string) error {
	if len(seats) == 0 {
		return nil
	}
	vals, err := s.rdb.HMGet(ctx, Key(showID), seats...).Result()
	if err != nil {
		return fmt.Errorf("lockstore: assert owned: %w", err)
	}
	for i, v := range vals {
		cur, ok := v.(string)
		if !ok {
			return &OwnershipError{Seat: seats[i], Err: ErrLockExpired}
		}
		if cur != holder {
			return &OwnershipError{Seat: seats[i], Err: ErrLockedByOther}
		}
	}
	return nil
}

// Refresh extends the show's lock TTL to at least ttl.  It reports false
// when the show has no locks at all.
func (s *RedisLockStore) Refresh(ctx context.Context, showID uint64, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, s.rdb, []string{Key(showID)}, ttlSeconds(ttl)).Int()
	if err != nil {
		return false, fmt.Errorf("lockstore: refresh: %w", err)
	}
	return n == 1, nil
}

// TTL returns the remaining lifetime of the show's locks; zero when the
// show has none.
func (s *RedisLockStore) TTL(ctx context.Context, showID uint64) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, Key(showID)).Result()
	if err != nil {
		return 0, fmt.Errorf("lockstore: ttl: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Holders returns every locked seat of the show and its holder.
func (s *RedisLockStore) Holders(ctx context.Context, showID uint64) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, Key(showID)).Result()
	if err != nil {
		return nil, fmt.Errorf("lockstore: holders: %w", err)
	}
	return m, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
