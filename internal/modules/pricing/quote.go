// README: Quote signing (HMAC-SHA256 over a canonical breakdown) and quote caches.
package pricing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"swiftride/internal/cache"
)

var errQuoteMissing = errors.New("quote not in cache")

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(q Quote) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(q))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Valid(q Quote) bool {
	want, err := hex.DecodeString(q.SignatureHash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(q))
	return hmac.Equal(mac.Sum(nil), want)
}

// canonical serialises every quote field except the signature. encoding/json sorts map keys,
// and decimal.String drops trailing zeros, so the bytes only depend on values.
func canonical(q Quote) []byte {
	fields := map[string]string{
		"id":               q.ID,
		"vehicle_class":    q.VehicleClass,
		"city":             q.City,
		"distance_km":      q.DistanceKm.String(),
		"duration_min":     q.DurationMin.String(),
		"base_fare":        q.BaseFare.String(),
		"distance_fare":    q.DistanceFare.String(),
		"time_fare":        q.TimeFare.String(),
		"subtotal":         q.Subtotal.String(),
		"fuel_adjustment":  q.FuelAdjustment.String(),
		"surge_multiplier": q.SurgeMultiplier.String(),
		"minimum_applied":  strconv.FormatBool(q.MinimumApplied),
		"maximum_applied":  strconv.FormatBool(q.MaximumApplied),
		"total_fare":       q.TotalFare.String(),
		"cancellation_fee": q.CancellationFee.String(),
		"currency":         q.Currency,
		"issued_at":        q.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":       q.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	b, _ := json.Marshal(fields)
	return b
}

// QuoteCache holds issued quotes keyed by signature hash until their TTL lapses.
type QuoteCache interface {
	Put(ctx context.Context, q Quote, ttl time.Duration) error
	Get(ctx context.Context, hash string) (Quote, error)
	// Take returns the quote and removes it atomically; only one caller can take a given hash.
	Take(ctx context.Context, hash string) (Quote, error)
}

const quoteKeyPrefix = "pricing:quote:%s"

type RedisQuoteCache struct {
	redis *redis.Client
}

func NewRedisQuoteCache(client *redis.Client) *RedisQuoteCache {
	return &RedisQuoteCache{redis: client}
}

func (c *RedisQuoteCache) Put(ctx context.Context, q Quote, ttl time.Duration) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, quoteKey(q.SignatureHash), b, ttl).Err()
}

func (c *RedisQuoteCache) Get(ctx context.Context, hash string) (Quote, error) {
	return c.decode(c.redis.Get(ctx, quoteKey(hash)).Bytes())
}

func (c *RedisQuoteCache) Take(ctx context.Context, hash string) (Quote, error) {
	return c.decode(c.redis.GetDel(ctx, quoteKey(hash)).Bytes())
}

func (c *RedisQuoteCache) decode(b []byte, err error) (Quote, error) {
	if err == redis.Nil {
		return Quote{}, errQuoteMissing
	}
	if err != nil {
		return Quote{}, err
	}
	var q Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return Quote{}, fmt.Errorf("decode cached quote: %w", err)
	}
	return q, nil
}

func quoteKey(hash string) string {
	return fmt.Sprintf(quoteKeyPrefix, hash)
}

type MemoryQuoteCache struct {
	items *cache.TTL[string, Quote]
}

func NewMemoryQuoteCache(now func() time.Time) *MemoryQuoteCache {
	return &MemoryQuoteCache{items: cache.NewTTL[string, Quote](now)}
}

func (c *MemoryQuoteCache) Put(_ context.Context, q Quote, ttl time.Duration) error {
	c.items.Set(q.SignatureHash, q, ttl)
	return nil
}

func (c *MemoryQuoteCache) Get(_ context.Context, hash string) (Quote, error) {
	q, ok := c.items.Get(hash)
	if !ok {
		return Quote{}, errQuoteMissing
	}
	return q, nil
}

func (c *MemoryQuoteCache) Take(_ context.Context, hash string) (Quote, error) {
	q, ok := c.items.Take(hash)
	if !ok {
		return Quote{}, errQuoteMissing
	}
	return q, nil
}
