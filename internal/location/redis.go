package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	availableSetKey = "actors:available"
	updatesChannel  = "actors:updates"

	// MaxGeoLatitude is the limit of Redis' GEO index (web mercator).
	MaxGeoLatitude = 85.05112878
)

// putScript ignores fixes older than the stored one so a delayed message
// cannot rewind an actor's position.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'captured_ms')
if cur and tonumber(cur) > tonumber(ARGV[6]) then
  return 0
end
redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lon', ARGV[3], 'acc', ARGV[4], 'captured_at', ARGV[5], 'captured_ms', ARGV[6])
redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[1])
return 1
`)

var bindScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'available') ~= '1' then
  return 0
end
if redis.call('HEXISTS', KEYS[1], 'bound_ride') == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'bound_ride', ARGV[1])
return 1
`)

var unbindScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'bound_ride') ~= ARGV[1] then
  return 0
end
redis.call('HDEL', KEYS[1], 'bound_ride')
return 1
`)

// RedisStore implements Store on Redis hashes, a GEO index and pub/sub.
type RedisStore struct {
	client *redis.Client
	geoKey string
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ Store         = (*RedisStore)(nil)
	_ RadiusQuerier = (*RedisStore)(nil)
)

func NewRedisStore(client *redis.Client, geoKey string, logger *slog.Logger) *RedisStore {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, geoKey: geoKey, logger: logger, now: time.Now}
}

func actorKey(id string) string { return "actor:" + id }

func (r *RedisStore) Get(ctx context.Context, actorID string) (models.ActorState, bool, error) {
	m, err := r.client.HGetAll(ctx, actorKey(actorID)).Result()
	if err != nil {
		return models.ActorState{}, false, fmt.Errorf("%w: redis hgetall %s: %w", models.ErrExternalService, actorID, err)
	}
	if len(m) == 0 {
		return models.ActorState{}, false, nil
	}
	return parseState(actorID, m), true, nil
}

func (r *RedisStore) Query(ctx context.Context, f Filter) ([]models.ActorState, error) {
	var ids []string
	var err error
	if f.Available != nil && *f.Available {
		ids, err = r.client.SMembers(ctx, availableSetKey).Result()
	} else {
		ids, err = r.scanActorIDs(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis query: %w", models.ErrExternalService, err)
	}
	return r.load(ctx, ids, f)
}

func (r *RedisStore) QueryWithin(ctx context.Context, center models.Coordinate, radiusMeters float64, f Filter) ([]models.ActorState, error) {
	ids, err := r.client.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
		Longitude:  center.Lon,
		Latitude:   center.Lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis geosearch: %w", models.ErrExternalService, err)
	}
	return r.load(ctx, ids, f)
}

func (r *RedisStore) scanActorIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, actorKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len("actor:"):])
	}
	return ids, iter.Err()
}

func (r *RedisStore) load(ctx context.Context, ids []string, f Filter) ([]models.ActorState, error) {
	if len(ids) == 0 {
		return []models.ActorState{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, actorKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: redis pipeline: %w", models.ErrExternalService, err)
	}
	out := make([]models.ActorState, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		s := parseState(ids[i], m)
		if f.match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RedisStore) Put(ctx context.Context, loc models.ActorLocation) error {
	if err := loc.ValidateAt(r.now()); err != nil {
		return err
	}
	if math.Abs(loc.Coordinate.Lat) > MaxGeoLatitude {
		return fmt.Errorf("%w: latitude %f is outside the geo index range", models.ErrInvalidInput, loc.Coordinate.Lat)
	}
	applied, err := putScript.Run(ctx, r.client, []string{actorKey(loc.ActorID), r.geoKey},
		loc.ActorID,
		strconv.FormatFloat(loc.Coordinate.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.Coordinate.Lon, 'f', -1, 64),
		strconv.FormatFloat(loc.AccuracyMeters, 'f', -1, 64),
		loc.CapturedAt.UTC().Format(time.RFC3339Nano),
		loc.CapturedAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: redis put %s: %w", models.ErrExternalService, loc.ActorID, err)
	}
	if applied == 1 {
		r.publish(ctx, loc.ActorID)
	}
	return nil
}

func (r *RedisStore) SetAvailability(ctx context.Context, actorID string, available bool) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, actorKey(actorID), "available", flag(available))
		if available {
			pipe.SAdd(ctx, availableSetKey, actorID)
		} else {
			pipe.SRem(ctx, availableSetKey, actorID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: redis set availability %s: %w", models.ErrExternalService, actorID, err)
	}
	r.publish(ctx, actorID)
	return nil
}

func (r *RedisStore) Bind(ctx context.Context, actorID, rideID string) (bool, error) {
	bound, err := bindScript.Run(ctx, r.client, []string{actorKey(actorID)}, rideID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: redis bind %s: %w", models.ErrExternalService, actorID, err)
	}
	if bound == 1 {
		r.publish(ctx, actorID)
	}
	return bound == 1, nil
}

func (r *RedisStore) Unbind(ctx context.Context, actorID, rideID string) (bool, error) {
	cleared, err := unbindScript.Run(ctx, r.client, []string{actorKey(actorID)}, rideID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: redis unbind %s: %w", models.ErrExternalService, actorID, err)
	}
	if cleared == 1 {
		r.publish(ctx, actorID)
	}
	return cleared == 1, nil
}

func (r *RedisStore) Subscribe(actorID string, fn func(models.ActorState)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, updatesChannel)
	go func() {
		for msg := range ps.Channel() {
			var s models.ActorState
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				continue
			}
			if actorID == "" || s.ActorID == actorID {
				fn(s)
			}
		}
	}()
	return func() {
		cancel()
		_ = ps.Close()
	}
}

// publish tells subscribers about a write. The write itself has succeeded, so
// failures are only logged.
func (r *RedisStore) publish(ctx context.Context, actorID string) {
	s, ok, err := r.Get(ctx, actorID)
	if err != nil || !ok {
		r.logger.Warn("actor update not published", "actor_id", actorID, "found", ok, "error", err)
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		r.logger.Warn("actor update not published", "actor_id", actorID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, updatesChannel, b).Err(); err != nil {
		r.logger.Warn("actor update not published", "actor_id", actorID, "error", err)
	}
}

func parseState(actorID string, m map[string]string) models.ActorState {
	s := models.ActorState{ActorID: actorID, Available: m["available"] == "1", BoundRide: m["bound_ride"]}
	if _, ok := m["captured_at"]; !ok {
		return s
	}
	lat, _ := strconv.ParseFloat(m["lat"], 64)
	lon, _ := strconv.ParseFloat(m["lon"], 64)
	acc, _ := strconv.ParseFloat(m["acc"], 64)
	captured, err := time.Parse(time.RFC3339Nano, m["captured_at"])
	if err != nil {
		return s
	}
	s.Location = &models.ActorLocation{
		ActorID:        actorID,
		Coordinate:     models.Coordinate{Lat: lat, Lon: lon},
		AccuracyMeters: acc,
		CapturedAt:     captured,
	}
	return s
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
