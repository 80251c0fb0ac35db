package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/models"
)

// Redis keeps the worker set in Redis: a GEO index for locations plus a
// hash per worker for availability and assignment state. Claim semantics on
// the assignment slot use small Lua scripts so concurrent accepts on the
// same worker cannot both win.
type Redis struct {
	client *redis.Client
	geoKey string
}

func NewRedis(addr, password, geoKey string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, geoKey: geoKey}
}

func metaKey(id string) string { return "worker:meta:" + id }

var assignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'current_request')
if cur and cur ~= '' then return 0 end
redis.call('HSET', KEYS[1], 'current_request', ARGV[1], 'available', 'false', 'updated', ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'current_request')
if cur ~= ARGV[1] then return 0 end
local wants = redis.call('HGET', KEYS[1], 'wants_available')
redis.call('HSET', KEYS[1], 'current_request', '', 'available', wants, 'updated', ARGV[2])
return 1
`)

func (r *Redis) Upsert(ctx context.Context, w models.Worker) error {
	if w.Location != nil {
		loc := &redis.GeoLocation{Longitude: w.Location.Lon, Latitude: w.Location.Lat, Name: w.ID}
		if err := r.client.GeoAdd(ctx, r.geoKey, loc).Err(); err != nil {
			return err
		}
	}
	fields := map[string]interface{}{
		"wants_available": strconv.FormatBool(w.WantsAvailable),
		"updated":         w.Updated.Format(time.RFC3339Nano),
	}
	// never clobber an active assignment from the ingest path
	cur, err := r.client.HGet(ctx, metaKey(w.ID), "current_request").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if cur == "" {
		fields["available"] = strconv.FormatBool(w.Available)
	}
	if !w.LastAvailableAt.IsZero() {
		fields["last_available_at"] = w.LastAvailableAt.Format(time.RFC3339Nano)
	}
	return r.client.HSet(ctx, metaKey(w.ID), fields).Err()
}

func (r *Redis) Get(ctx context.Context, id string) (*models.Worker, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("worker %s: %w", id, models.ErrNotFound)
	}
	w := workerFromHash(id, m)
	if pos, err := r.client.GeoPos(ctx, r.geoKey, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		w.Location = &models.Coordinate{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return &w, nil
}

func (r *Redis) SetAvailability(ctx context.Context, id string, available bool, loc *models.Coordinate, at time.Time) (*models.Worker, error) {
	if loc != nil {
		gl := &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id}
		if err := r.client.GeoAdd(ctx, r.geoKey, gl).Err(); err != nil {
			return nil, err
		}
	}
	fields := map[string]interface{}{
		"wants_available": strconv.FormatBool(available),
		"updated":         at.Format(time.RFC3339Nano),
	}
	cur, err := r.client.HGet(ctx, metaKey(id), "current_request").Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if cur == "" {
		fields["available"] = strconv.FormatBool(available)
	}
	if available {
		fields["last_available_at"] = at.Format(time.RFC3339Nano)
	}
	if err := r.client.HSet(ctx, metaKey(id), fields).Err(); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *Redis) Assign(ctx context.Context, workerID, requestID string, at time.Time) error {
	n, err := assignScript.Run(ctx, r.client, []string{metaKey(workerID)}, requestID, at.Format(time.RFC3339Nano)).Int()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return fmt.Errorf("worker %s: %w", workerID, models.ErrNotFound)
	case 0:
		return fmt.Errorf("worker %s busy: %w", workerID, models.ErrAlreadyAssigned)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, workerID, requestID string, at time.Time) error {
	n, err := releaseScript.Run(ctx, r.client, []string{metaKey(workerID)}, requestID, at.Format(time.RFC3339Nano)).Int()
	if err != nil {
		return err
	}
	if n == -1 {
		return fmt.Errorf("worker %s: %w", workerID, models.ErrNotFound)
	}
	return nil
}

func (r *Redis) NearbyAvailable(ctx context.Context, at models.Coordinate, radiusKm float64) ([]models.Worker, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	res, err := r.client.GeoRadius(ctx, r.geoKey, at.Lon, at.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Worker, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		w := workerFromHash(g.Name, m)
		if !w.Available {
			continue
		}
		w.Location = &models.Coordinate{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, w)
	}
	return out, nil
}

func (r *Redis) AvailableCount(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, "worker:meta:*", 100).Result()
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			if v, err := r.client.HGet(ctx, k, "available").Result(); err == nil && v == "true" {
				n++
			}
		}
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func workerFromHash(id string, m map[string]string) models.Worker {
	w := models.Worker{ID: id}
	w.Available = m["available"] == "true"
	w.WantsAvailable = m["wants_available"] == "true"
	w.CurrentRequestID = m["current_request"]
	if v := m["last_available_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			w.LastAvailableAt = t
		}
	}
	if v := m["updated"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			w.Updated = t
		}
	}
	return w
}
