package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo mirrors driver positions into a Redis GEO set so back-office
// tooling can see where online drivers are.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Publish(ctx context.Context, driverID string, p models.Position) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: driverID}).Err(); err != nil {
		return fmt.Errorf("geoadd: %w", err)
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"heading": strconv.FormatFloat(p.Heading, 'f', 1, 64),
		"updated": p.At.Format(time.RFC3339),
	}).Err()
}

// Last reads back the mirrored position, used to seed the tracker after a
// restart before the device reports its first fix.
func (r *RedisGeo) Last(ctx context.Context, driverID string) (models.Position, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.Position{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Position{}, false, nil
	}
	p := models.Position{Coord: models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}}
	if m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result(); err == nil {
		if v, ok := m["heading"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.Heading = f
			}
		}
		if v, ok := m["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				p.At = ts
			}
		}
	}
	return p, true, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
