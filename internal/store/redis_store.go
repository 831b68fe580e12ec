package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
)

// RedisPageSize is how many index entries GetUpdates reads per LRANGE
const RedisPageSize = 10000

// Key layout, relative to the configured prefix:
//
//	timestamps           hash  "rc:rs" -> t
//	element:<id>         hash  value, added_*, removed_*, expires_at (unix ms, 0 = never)
//	index:<rc>:<rs>      list  "t:id", newest first
//	indexes              set   "rc:rs" of every index list
//	unordered            set   "rc:rs" of the store's own list once it is no longer newest first
//	ids:<value>          set   element ids carrying value
//	topology             set   "rc:rs:host:port"
//	online               string "1" or "0"
const (
	keyTimestamps = "timestamps"
	keyIndexes    = "indexes"
	keyUnordered  = "unordered"
	keyTopology   = "topology"
	keyOnline     = "online"
	prefixElement = "element:"
	prefixIndex   = "index:"
	prefixIDs     = "ids:"
)

var addScript = redis.NewScript(`
local t = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[2], 'value', ARGV[2], 'added_t', t, 'added_rc', ARGV[4], 'added_rs', ARGV[5], 'expires_at', ARGV[6])
local exp = tonumber(ARGV[6])
if exp > 0 then redis.call('PEXPIREAT', KEYS[2], exp) end
redis.call('LPUSH', KEYS[3], t .. ':' .. ARGV[3])
redis.call('SADD', KEYS[4], ARGV[3])
redis.call('SADD', KEYS[5], ARGV[1])
return t
`)

var removeScript = redis.NewScript(`
local t = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
local now = tonumber(ARGV[4])
local exp = tonumber(ARGV[5])
local ids = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(ids) do
  local key = ARGV[6] .. id
  if redis.call('EXISTS', key) == 0 then
    redis.call('SREM', KEYS[2], id)
  else
    local f = redis.call('HMGET', key, 'removed_t', 'expires_at')
    local e = tonumber(f[2]) or 0
    if not f[1] and (e == 0 or e > now) then
      redis.call('HSET', key, 'removed_t', t, 'removed_rc', ARGV[2], 'removed_rs', ARGV[3], 'expires_at', exp)
      if exp > 0 then redis.call('PEXPIREAT', key, exp) else redis.call('PERSIST', key) end
      redis.call('LPUSH', KEYS[3], t .. ':' .. id)
    end
  end
end
redis.call('SADD', KEYS[4], ARGV[1])
return t
`)

var setMaxScript = redis.NewScript(`
for i = 1, #ARGV, 2 do
  local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[i]) or '0')
  if tonumber(ARGV[i + 1]) > cur then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  end
end
return 1
`)

var addUpdateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  if ARGV[6] == '' or redis.call('HEXISTS', KEYS[1], 'removed_t') == 1 then
    return 0
  end
  redis.call('HSET', KEYS[1], 'removed_t', ARGV[6], 'removed_rc', ARGV[7], 'removed_rs', ARGV[8], 'expires_at', ARGV[9])
else
  redis.call('HSET', KEYS[1], 'value', ARGV[2], 'added_t', ARGV[3], 'added_rc', ARGV[4], 'added_rs', ARGV[5], 'expires_at', ARGV[9])
  if ARGV[6] ~= '' then
    redis.call('HSET', KEYS[1], 'removed_t', ARGV[6], 'removed_rc', ARGV[7], 'removed_rs', ARGV[8])
  end
  redis.call('SADD', KEYS[2], ARGV[1])
end
local exp = tonumber(ARGV[9])
if exp > 0 then redis.call('PEXPIREAT', KEYS[1], exp) else redis.call('PERSIST', KEYS[1]) end
if ARGV[10] == ARGV[12] then
  local head = redis.call('LINDEX', KEYS[3], 0)
  if head and tonumber(string.match(head, '^%d+')) > tonumber(ARGV[11]) then
    redis.call('SADD', KEYS[5], ARGV[10])
  end
end
redis.call('LPUSH', KEYS[3], ARGV[11] .. ':' .. ARGV[1])
redis.call('SADD', KEYS[4], ARGV[10])
return 1
`)

// RedisConfig holds connection settings shared by every Redis store
type RedisConfig struct {
	Password string
	DB       int
	PoolSize int
	// KeyPrefix namespaces every key
	KeyPrefix string
	// ShareServer additionally namespaces each shard's keys by its
	// "cluster:store" name so several shards can live in one database.
	// The topology stays shared.
	ShareServer bool
}

// RedisStore keeps one shard in a Redis database
type RedisStore struct {
	id            Identity
	client        *redis.Client
	opts          Options
	prefix        string
	topologyKey   string
	logger        *zap.Logger
	checkIfOnline atomic.Bool
}

var (
	_ Store          = (*RedisStore)(nil)
	_ TopologySeeder = (*RedisStore)(nil)
)

// NewRedisStore connects to the Redis server at id.Address
func NewRedisStore(id Identity, cfg RedisConfig, opts Options, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     id.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), opts.OperationTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Unreachable(fmt.Sprintf("failed to connect to Redis at %s", id.Address), err).
			WithDetail("address", id.Address)
	}

	prefix := cfg.KeyPrefix
	if cfg.ShareServer && id.ClusterID != "" {
		prefix += id.Name() + model.Delimiter
	}

	return &RedisStore{
		id:          id,
		client:      client,
		opts:        opts,
		prefix:      prefix,
		topologyKey: cfg.KeyPrefix + keyTopology,
		logger:      logger,
	}, nil
}

// RedisFactory returns a Factory opening Redis stores
func RedisFactory(cfg RedisConfig, opts Options, logger *zap.Logger) Factory {
	return func(id Identity) (Store, error) {
		return NewRedisStore(id, cfg, opts, logger)
	}
}

func (s *RedisStore) ClusterID() string { return s.id.ClusterID }
func (s *RedisStore) StoreID() string   { return s.id.StoreID }
func (s *RedisStore) Address() string   { return s.id.Address }
func (s *RedisStore) Name() string      { return s.id.Name() }

func (s *RedisStore) SetCheckIfOnline(check bool) { s.checkIfOnline.Store(check) }

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, "")
}

func (s *RedisStore) indexKey(clusterID, storeID string) string {
	return s.key(prefixIndex, clusterID, model.Delimiter, storeID)
}

// begin bounds the call and rejects it when the shard is offline
func (s *RedisStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	if !s.checkIfOnline.Load() {
		return ctx, cancel, nil
	}
	online, err := s.client.Get(ctx, s.key(keyOnline)).Result()
	if err != nil && err != redis.Nil {
		cancel()
		return nil, nil, apperrors.Classify(err)
	}
	if online == "0" {
		cancel()
		return nil, nil, offline(s.id)
	}
	return ctx, cancel, nil
}

func (s *RedisStore) requireIdentity() error {
	if s.id.ClusterID == "" || s.id.StoreID == "" {
		return apperrors.Precondition("bootstrap handle " + s.id.Address + " cannot modify the set")
	}
	return nil
}

func expiresAtMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *RedisStore) SetOnline(ctx context.Context, online bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	flag := "0"
	if online {
		flag = "1"
	}
	return apperrors.Classify(s.client.Set(ctx, s.key(keyOnline), flag, 0).Err())
}

func (s *RedisStore) GetTopology(ctx context.Context) (*model.Topology, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	members, err := s.client.SMembers(ctx, s.topologyKey).Result()
	if err != nil {
		return nil, apperrors.Classify(err)
	}
	topo := model.NewTopology()
	for _, m := range members {
		parts := strings.SplitN(m, model.Delimiter, 3)
		if len(parts) != 3 {
			return nil, apperrors.InvalidTopology(fmt.Sprintf("malformed topology entry %q", m), nil)
		}
		endpoint, err := model.ParseEndpoint(parts[2])
		if err != nil {
			return nil, apperrors.InvalidTopology("malformed topology entry", err)
		}
		if err := topo.Set(parts[0], parts[1], endpoint); err != nil {
			return nil, apperrors.InvalidTopology("malformed topology entry", err)
		}
	}
	return topo, nil
}

// SeedTopology replaces the stored topology
func (s *RedisStore) SeedTopology(ctx context.Context, topo *model.Topology) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	entries := make([]interface{}, 0, topo.Len())
	topo.Each(func(rc, rs string, e model.Endpoint) {
		entries = append(entries, rc+model.Delimiter+rs+model.Delimiter+e.Address())
	})
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.topologyKey)
		if len(entries) > 0 {
			pipe.SAdd(ctx, s.topologyKey, entries...)
		}
		return nil
	})
	return apperrors.Classify(err)
}

func (s *RedisStore) Add(ctx context.Context, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := s.requireIdentity(); err != nil {
		return err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	id := uuid.NewString()
	expiresAt := expiresAtMillis(model.Deadline(s.opts.now(), s.opts.TTL))
	keys := []string{
		s.key(keyTimestamps),
		s.key(prefixElement, id),
		s.indexKey(s.id.ClusterID, s.id.StoreID),
		s.key(prefixIDs, value),
		s.key(keyIndexes),
	}
	err = addScript.Run(ctx, s.client, keys,
		s.id.Name(), value, id, s.id.ClusterID, s.id.StoreID, expiresAt).Err()
	return apperrors.Classify(err)
}

func (s *RedisStore) Remove(ctx context.Context, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := s.requireIdentity(); err != nil {
		return err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	now := s.opts.now()
	keys := []string{
		s.key(keyTimestamps),
		s.key(prefixIDs, value),
		s.indexKey(s.id.ClusterID, s.id.StoreID),
		s.key(keyIndexes),
	}
	err = removeScript.Run(ctx, s.client, keys,
		s.id.Name(), s.id.ClusterID, s.id.StoreID,
		now.UnixMilli(), expiresAtMillis(model.Deadline(now, s.opts.TTL)),
		s.key(prefixElement)).Err()
	return apperrors.Classify(err)
}

func (s *RedisStore) Lookup(ctx context.Context, value string) (bool, error) {
	if err := ValidateValue(value); err != nil {
		return false, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.key(prefixIDs, value)).Result()
	if err != nil {
		return false, apperrors.Classify(err)
	}
	elements, err := s.loadElements(ctx, ids)
	if err != nil {
		return false, err
	}
	return model.Present(elements, s.opts.now()), nil
}

func (s *RedisStore) GetTimestamps(ctx context.Context) (*model.Timestamps, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key(keyTimestamps)).Result()
	if err != nil {
		return nil, apperrors.Classify(err)
	}
	ts := model.NewTimestamps()
	for coord, raw := range fields {
		rc, rs, ok := strings.Cut(coord, model.Delimiter)
		if !ok {
			return nil, apperrors.InternalError(fmt.Sprintf("malformed timestamp field %q", coord), nil)
		}
		t, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, apperrors.InternalError("malformed timestamp value", err)
		}
		ts.Set(rc, rs, t)
	}
	return ts, nil
}

func (s *RedisStore) UpdateMaxTimestamps(ctx context.Context, ts *model.Timestamps) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	args := make([]interface{}, 0, 2*ts.Len())
	ts.Each(func(rc, rs string, t uint64) {
		args = append(args, rc+model.Delimiter+rs, t)
	})
	if len(args) == 0 {
		return nil
	}
	return apperrors.Classify(setMaxScript.Run(ctx, s.client, []string{s.key(keyTimestamps)}, args...).Err())
}

// GetUpdates walks the per-coordinate index lists. The store's own list is
// newest first, so it stops at the first entry already known to since,
// unless AddUpdates re-imported an older own element on top of it. Lists of
// foreign coordinates may be out of order after repeated pulls and are read
// in full. Candidates are re-checked against the element's current state.
func (s *RedisStore) GetUpdates(ctx context.Context, since *model.Timestamps) ([]*model.Element, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	coords, err := s.client.SMembers(ctx, s.key(keyIndexes)).Result()
	if err != nil {
		return nil, apperrors.Classify(err)
	}
	sort.Strings(coords)

	unordered, err := s.client.SIsMember(ctx, s.key(keyUnordered), s.id.Name()).Result()
	if err != nil {
		return nil, apperrors.Classify(err)
	}

	seen := make(map[string]struct{})
	candidates := make([]string, 0)
	for _, coord := range coords {
		rc, rs, ok := strings.Cut(coord, model.Delimiter)
		if !ok {
			continue
		}
		known := since.Get(rc, rs)
		ordered := rc == s.id.ClusterID && rs == s.id.StoreID && !unordered
		indexKey := s.indexKey(rc, rs)

		for start := int64(0); ; start += RedisPageSize {
			page, err := s.client.LRange(ctx, indexKey, start, start+RedisPageSize-1).Result()
			if err != nil {
				return nil, apperrors.Classify(err)
			}
			done := len(page) < RedisPageSize
			for _, entry := range page {
				rawT, id, ok := strings.Cut(entry, model.Delimiter)
				if !ok {
					continue
				}
				t, err := strconv.ParseUint(rawT, 10, 64)
				if err != nil {
					continue
				}
				if t <= known {
					if ordered {
						done = true
						break
					}
					continue
				}
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					candidates = append(candidates, id)
				}
			}
			if done {
				break
			}
		}
	}

	elements, err := s.loadElements(ctx, candidates)
	if err != nil {
		return nil, err
	}
	now := s.opts.now()
	updates := make([]*model.Element, 0, len(elements))
	for _, e := range elements {
		if !e.Expired(now) && e.NewerThan(since) {
			updates = append(updates, e)
		}
	}
	sort.SliceStable(updates, func(i, j int) bool {
		a, b := updates[i].Defining(), updates[j].Defining()
		if a.ClusterID != b.ClusterID {
			return a.ClusterID < b.ClusterID
		}
		if a.StoreID != b.StoreID {
			return a.StoreID < b.StoreID
		}
		return a.T < b.T
	})
	return updates, nil
}

// loadElements fetches element hashes in one pipeline, skipping ids whose
// hash has expired
func (s *RedisStore) loadElements(ctx context.Context, ids []string) ([]*model.Element, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(prefixElement, id))
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Classify(err)
	}

	elements := make([]*model.Element, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeElement(ids[i], fields)
		if err != nil {
			s.logger.Warn("Skipping malformed element",
				zap.String("store", s.Name()),
				zap.String("element_id", ids[i]),
				zap.Error(err))
			continue
		}
		elements = append(elements, e)
	}
	return elements, nil
}

func decodeElement(id string, fields map[string]string) (*model.Element, error) {
	addedT, err := strconv.ParseUint(fields["added_t"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("added_t: %w", err)
	}
	e := &model.Element{
		Value: fields["value"],
		ID:    id,
		Added: model.Coordinate{T: addedT, ClusterID: fields["added_rc"], StoreID: fields["added_rs"]},
	}
	if raw, ok := fields["removed_t"]; ok {
		removedT, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("removed_t: %w", err)
		}
		e.Removed = &model.Coordinate{T: removedT, ClusterID: fields["removed_rc"], StoreID: fields["removed_rs"]}
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil && ms > 0 {
		e.ExpiresAt = time.UnixMilli(ms)
	}
	return e, nil
}

func (s *RedisStore) AddUpdates(ctx context.Context, elements []*model.Element) error {
	for _, e := range elements {
		if err := ValidateValue(e.Value); err != nil {
			return err
		}
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	now := s.opts.now()
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range elements {
			if e.Expired(now) {
				continue
			}
			def := e.Defining()
			removedT, removedRC, removedRS := "", "", ""
			if e.Removed != nil {
				removedT = strconv.FormatUint(e.Removed.T, 10)
				removedRC, removedRS = e.Removed.ClusterID, e.Removed.StoreID
			}
			keys := []string{
				s.key(prefixElement, e.ID),
				s.key(prefixIDs, e.Value),
				s.indexKey(def.ClusterID, def.StoreID),
				s.key(keyIndexes),
				s.key(keyUnordered),
			}
			addUpdateScript.Eval(ctx, pipe, keys,
				e.ID, e.Value,
				e.Added.T, e.Added.ClusterID, e.Added.StoreID,
				removedT, removedRC, removedRS,
				expiresAtMillis(e.ExpiresAt),
				def.ClusterID+model.Delimiter+def.StoreID, def.T,
				s.id.Name())
		}
		return nil
	})
	return apperrors.Classify(err)
}

// Clear deletes every key of the shard except its topology
func (s *RedisStore) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 1000).Iterator()
	batch := make([]string, 0, 1000)
	for iter.Next(ctx) {
		if k := iter.Val(); k != s.topologyKey {
			batch = append(batch, k)
		}
		if len(batch) == cap(batch) {
			if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
				return apperrors.Classify(err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return apperrors.Classify(err)
	}
	if len(batch) > 0 {
		return apperrors.Classify(s.client.Unlink(ctx, batch...).Err())
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
