package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Ledger is the authoritative supply and membership store. TryIssue must be
// a single store-side step; callers never compose it from reads and writes.
type Ledger interface {
	// TryIssue stores issuedAt and productID with the membership so the
	// book-of-record can be rebuilt from the ledger alone.
	TryIssue(ctx context.Context, poolID, userID, productID string, issuedAt time.Time) (domain.Outcome, error)
	Provision(ctx context.Context, pool domain.Pool, ttl time.Duration) error
	Pool(ctx context.Context, poolID string) (domain.Pool, error)
	Members(ctx context.Context, poolID string) ([]domain.Membership, error)
	Ping(ctx context.Context) error
}

// Script replies.
const (
	replyIssued        = 0
	replyAlreadyIssued = 1
	replyExhausted     = 2
	replyPoolNotFound  = -1
)

// KEYS[1] pool hash, KEYS[2] issued hash; ARGV[1] user, ARGV[2] membership value.
// Membership is checked before supply so a repeat caller on an empty pool
// still learns it was already issued.
var tryIssueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 1
end
local remaining = redis.call('HGET', KEYS[1], 'remaining')
if not remaining then
	return -1
end
if tonumber(remaining) <= 0 then
	return 2
end
redis.call('HINCRBY', KEYS[1], 'remaining', -1)
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 and redis.call('PTTL', KEYS[2]) < 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 0
`)

// KEYS[1] pool hash; ARGV[1] supply, ARGV[2] product, ARGV[3] ttl ms.
var provisionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'total', ARGV[1], 'remaining', ARGV[1], 'product_id', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// NewRedisClient builds the ledger's client. Socket reads honor the
// caller's context deadline, so a store that stops answering releases the
// caller at its timeout instead of at ReadTimeout.
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		PoolSize:              poolSize,
		ContextTimeoutEnabled: true,
	})
}

type RedisLedger struct {
	client   redis.UniversalClient
	scanSize int64
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, scanSize: 500}
}

// Both keys carry the pool id as hash tag so the script stays single-slot
// on a cluster.
func poolKey(poolID string) string {
	return fmt.Sprintf("coupon:{%s}:pool", poolID)
}

func issuedKey(poolID string) string {
	return fmt.Sprintf("coupon:{%s}:issued", poolID)
}

// Membership values are "<issued_at unix ms>:<product id>".
func membershipValue(productID string, issuedAt time.Time) string {
	return strconv.FormatInt(issuedAt.UnixMilli(), 10) + ":" + productID
}

func parseMembership(userID, value string) (domain.Membership, error) {
	ms, product, _ := strings.Cut(value, ":")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return domain.Membership{}, err
	}
	return domain.Membership{
		UserID:    userID,
		ProductID: product,
		IssuedAt:  time.UnixMilli(n).UTC(),
	}, nil
}

func (l *RedisLedger) TryIssue(ctx context.Context, poolID, userID, productID string, issuedAt time.Time) (domain.Outcome, error) {
	keys := []string{poolKey(poolID), issuedKey(poolID)}
	reply, err := tryIssueScript.Run(ctx, l.client, keys, userID, membershipValue(productID, issuedAt)).Int()
	if err != nil {
		return 0, fmt.Errorf("try issue %s: %w", poolID, err)
	}

	switch reply {
	case replyIssued:
		return domain.OutcomeIssued, nil
	case replyAlreadyIssued:
		return domain.OutcomeAlreadyIssued, nil
	case replyExhausted:
		return domain.OutcomeExhausted, nil
	case replyPoolNotFound:
		return 0, domain.ErrPoolNotFound
	default:
		return 0, fmt.Errorf("try issue %s: unexpected reply %d", poolID, reply)
	}
}

func (l *RedisLedger) Provision(ctx context.Context, pool domain.Pool, ttl time.Duration) error {
	if pool.ID == "" || pool.Total < 0 {
		return domain.ErrInvalidInput
	}
	created, err := provisionScript.Run(ctx, l.client, []string{poolKey(pool.ID)},
		pool.Total, pool.ProductID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("provision %s: %w", pool.ID, err)
	}
	if created == 0 {
		return domain.ErrPoolExists
	}
	return nil
}

func (l *RedisLedger) Pool(ctx context.Context, poolID string) (domain.Pool, error) {
	vals, err := l.client.HMGet(ctx, poolKey(poolID), "total", "remaining", "product_id").Result()
	if err != nil {
		return domain.Pool{}, fmt.Errorf("get pool %s: %w", poolID, err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return domain.Pool{}, domain.ErrPoolNotFound
	}

	total, err := parseCount(vals[0])
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool %s total: %w", poolID, err)
	}
	remaining, err := parseCount(vals[1])
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool %s remaining: %w", poolID, err)
	}
	product, _ := vals[2].(string)

	return domain.Pool{
		ID:        poolID,
		ProductID: product,
		Total:     total,
		Remaining: remaining,
	}, nil
}

func (l *RedisLedger) Members(ctx context.Context, poolID string) ([]domain.Membership, error) {
	var (
		members []domain.Membership
		cursor  uint64
		seen    = make(map[string]struct{})
	)
	for {
		kvs, next, err := l.client.HScan(ctx, issuedKey(poolID), cursor, "", l.scanSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan members %s: %w", poolID, err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			// HSCAN may return a field more than once across iterations.
			if _, dup := seen[kvs[i]]; dup {
				continue
			}
			seen[kvs[i]] = struct{}{}
			m, err := parseMembership(kvs[i], kvs[i+1])
			if err != nil {
				return nil, fmt.Errorf("member %s of %s: %w", kvs[i], poolID, err)
			}
			members = append(members, m)
		}
		if next == 0 {
			return members, nil
		}
		cursor = next
	}
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func parseCount(v interface{}) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}

var _ Ledger = (*RedisLedger)(nil)
