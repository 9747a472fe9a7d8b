// README: Driver store backed by Redis GEO (positions) and hashes (status flags).
package geomatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"swiftride/internal/types"
)

const (
	driverGeoKey     = "geomatch:drivers"
	driverHashPrefix = "geomatch:driver:%s"
	// Hashes outlive any freshness window; a driver silent for this long is dropped entirely.
	driverTTL = 24 * time.Hour
)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Upsert(ctx context.Context, d Driver) error {
	key := driverKey(d.ID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"online":    boolField(d.Online),
			"available": boolField(d.Available),
			"approved":  boolField(d.Approved),
			"classes":   strings.Join(d.VehicleClasses, ","),
		})
		if !d.LocationAt.IsZero() {
			pipe.HSet(ctx, key, locationFields(d.Position, d.LocationAt))
			pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
				Name:      string(d.ID),
				Longitude: d.Position.Lng,
				Latitude:  d.Position.Lat,
			})
		}
		pipe.Expire(ctx, key, driverTTL)
		return nil
	})
	return err
}

func (s *RedisStore) UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	key := driverKey(id)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{Name: string(id), Longitude: p.Lng, Latitude: p.Lat})
		pipe.HSet(ctx, key, locationFields(p, at))
		pipe.Expire(ctx, key, driverTTL)
		return nil
	})
	return err
}

func (s *RedisStore) SetAvailable(ctx context.Context, id types.ID, available bool) error {
	n, err := s.redis.Exists(ctx, driverKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.redis.HSet(ctx, driverKey(id), "available", boolField(available)).Err()
}

func (s *RedisStore) Get(ctx context.Context, id types.ID) (*Driver, error) {
	fields, err := s.redis.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	d, err := parseDriver(id, fields)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *RedisStore) Within(ctx context.Context, p types.Point, radiusKm float64) ([]Driver, error) {
	names, err := s.redis.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, driverKey(types.ID(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]Driver, 0, len(names))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// hash expired; drop the dangling geo member
			stale = append(stale, names[i])
			continue
		}
		d, err := parseDriver(types.ID(names[i]), fields)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	if len(stale) > 0 {
		_ = s.redis.ZRem(ctx, driverGeoKey, stale...).Err()
	}
	return out, nil
}

func driverKey(id types.ID) string {
	return fmt.Sprintf(driverHashPrefix, string(id))
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func locationFields(p types.Point, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"lat":         strconv.FormatFloat(p.Lat, 'f', -1, 64),
		"lng":         strconv.FormatFloat(p.Lng, 'f', -1, 64),
		"location_at": strconv.FormatInt(at.UnixMilli(), 10),
	}
}

func parseDriver(id types.ID, f map[string]string) (Driver, error) {
	d := Driver{
		ID:        id,
		Online:    f["online"] == "1",
		Available: f["available"] == "1",
		Approved:  f["approved"] == "1",
	}
	if c := f["classes"]; c != "" {
		d.VehicleClasses = strings.Split(c, ",")
	}
	if f["location_at"] == "" {
		return d, nil
	}
	var err error
	if d.Position.Lat, err = strconv.ParseFloat(f["lat"], 64); err != nil {
		return d, fmt.Errorf("parse lat: %w", err)
	}
	if d.Position.Lng, err = strconv.ParseFloat(f["lng"], 64); err != nil {
		return d, fmt.Errorf("parse lng: %w", err)
	}
	ms, err := strconv.ParseInt(f["location_at"], 10, 64)
	if err != nil {
		return d, fmt.Errorf("parse location_at: %w", err)
	}
	d.LocationAt = time.UnixMilli(ms)
	return d, nil
}
