package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocator implements Locator on top of Redis GEO commands, sharing the
// index between the API server and the location consumer.
type RedisLocator struct {
	client *redis.Client
	key    string
}

func NewRedisLocator(addr, password, key string) *RedisLocator {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocator{client: c, key: key}
}

func NewRedisLocatorFromClient(client *redis.Client, key string) *RedisLocator {
	return &RedisLocator{client: client, key: key}
}

func (r *RedisLocator) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: lng,
		Latitude:  lat,
		Name:      driverID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisLocator) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func (r *RedisLocator) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]Position, error) {
	if radiusKm <= 0 {
		radiusKm = 5
	}
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		p := Position{DriverID: g.Name, Lat: g.Latitude, Lng: g.Longitude, DistanceKm: Round2(g.Dist)}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["updated"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					p.Updated = t
				}
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisLocator) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisLocator) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
