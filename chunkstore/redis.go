package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisRetention is how long an untouched transfer record survives in Redis.
const DefaultRedisRetention = 24 * time.Hour

// DefaultKeyPrefix namespaces transfer records in shared backends.
const DefaultKeyPrefix = "chunktransfer"

var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'destination', ARGV[1], 'file_name', ARGV[2],
	'total_chunks', ARGV[3], 'chunk_size', ARGV[4],
	'received_chunks', ARGV[7], 'received_bytes', ARGV[8],
	'rejected', 0, 'reject_reason', '',
	'created_at', ARGV[5], 'updated_at', ARGV[5])
if tonumber(ARGV[6]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return 1
`)

// Status codes: 0 recorded, 1 already received, -1 missing, -2 rejected, -3 out of order.
var recordChunkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, {}}
end
if redis.call('HGET', KEYS[1], 'rejected') == '1' then
	return {-2, {}}
end
if tonumber(ARGV[2]) > 0 then
	redis.call('HSET', KEYS[1], 'total_chunks', ARGV[2])
end
local received = tonumber(redis.call('HGET', KEYS[1], 'received_chunks'))
local index = tonumber(ARGV[1])
if index < received then
	return {1, redis.call('HGETALL', KEYS[1])}
end
if index > received then
	return {-3, {}}
end
redis.call('HINCRBY', KEYS[1], 'received_chunks', 1)
redis.call('HINCRBY', KEYS[1], 'received_bytes', ARGV[3])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return {0, redis.call('HGETALL', KEYS[1])}
`)

var rejectScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[2])
redis.call('HSETNX', KEYS[1], 'received_chunks', 0)
redis.call('HSETNX', KEYS[1], 'received_bytes', 0)
redis.call('HSET', KEYS[1], 'rejected', 1, 'reject_reason', ARGV[1], 'updated_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisStore keeps transfer records as Redis hashes so that several receivers can share them.
// Every state transition runs as a Lua script, which makes it atomic across processes.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	owned     bool
	now       func() time.Time
}

// NewRedisStore wraps client. A zero retention uses DefaultRedisRetention and an empty prefix DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if retention == 0 {
		retention = DefaultRedisRetention
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// Begin ...
func (s *RedisStore) Begin(ctx context.Context, id string, init Record) (Record, bool, error) {
	created, err := beginScript.Run(ctx, s.client, []string{s.key(id)},
		init.Destination, init.FileName, init.TotalChunks, init.ChunkSize, s.nowMillis(), s.retention.Milliseconds(),
		init.ReceivedChunks, init.ReceivedBytes,
	).Int()
	if err != nil {
		return Record{}, false, fmt.Errorf("begin transfer %s: %w", id, err)
	}

	record, err := s.GetState(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	return record, created == 1, nil
}

// RecordChunk ...
func (s *RedisStore) RecordChunk(ctx context.Context, id string, chunk Chunk) (Result, error) {
	reply, err := recordChunkScript.Run(ctx, s.client, []string{s.key(id)},
		chunk.Index, chunk.Total, chunk.Size, s.nowMillis(), s.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("record chunk %d of %s: %w", chunk.Index, id, err)
	}
	if len(reply) != 2 {
		return Result{}, fmt.Errorf("record chunk %d of %s: unexpected reply %v", chunk.Index, id, reply)
	}

	status, ok := reply[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("record chunk %d of %s: unexpected status %v", chunk.Index, id, reply[0])
	}
	switch status {
	case -1:
		return Result{}, ErrNotFound
	case -2:
		return Result{}, ErrRejected
	case -3:
		return Result{}, ErrOutOfOrder
	}

	fields, err := pairs(reply[1])
	if err != nil {
		return Result{}, fmt.Errorf("record chunk %d of %s: %w", chunk.Index, id, err)
	}
	record, err := recordFromHash(id, fields)
	if err != nil {
		return Result{}, err
	}

	return Result{
		AlreadyReceived: status == 1,
		IsComplete:      record.IsComplete(),
		Record:          record,
	}, nil
}

// GetState ...
func (s *RedisStore) GetState(ctx context.Context, id string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get transfer %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromHash(id, fields)
}

// Evict ...
func (s *RedisStore) Evict(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("evict transfer %s: %w", id, err)
	}
	return nil
}

// IsExpired ...
func (s *RedisStore) IsExpired(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}

	raw, err := s.client.HGet(ctx, s.key(id), "updated_at").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get transfer %s: %w", id, err)
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse updated_at of %s: %w", id, err)
	}
	return expired(time.UnixMilli(millis), ttl, s.now()), nil
}

// Reject ...
func (s *RedisStore) Reject(ctx context.Context, id string, reason string) error {
	if err := rejectScript.Run(ctx, s.client, []string{s.key(id)}, reason, s.nowMillis(), s.retention.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("reject transfer %s: %w", id, err)
	}
	return nil
}

// ListExpired scans the keys under the store prefix. Records Redis already dropped through
// retention are not returned.
func (s *RedisStore) ListExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}

	var ids []string
	iter := s.client.Scan(ctx, 0, s.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix+":")
		if strings.Contains(id, ":") {
			continue
		}

		isExpired, err := s.IsExpired(ctx, id, ttl)
		if err != nil {
			return nil, err
		}
		if isExpired {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan transfers: %w", err)
	}
	return ids, nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func pairs(v interface{}) (map[string]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected hash reply %T", v)
	}

	fields := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, ok1 := items[i].(string)
		val, ok2 := items[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unexpected hash entry %v=%v", items[i], items[i+1])
		}
		fields[k] = val
	}
	return fields, nil
}

func recordFromHash(id string, fields map[string]string) (Record, error) {
	record := Record{
		ID:           id,
		Destination:  fields["destination"],
		FileName:     fields["file_name"],
		Rejected:     fields["rejected"] == "1",
		RejectReason: fields["reject_reason"],
	}

	ints := map[string]*int64{}
	var totalChunks, receivedChunks, createdAt, updatedAt int64
	ints["total_chunks"] = &totalChunks
	ints["chunk_size"] = &record.ChunkSize
	ints["received_chunks"] = &receivedChunks
	ints["received_bytes"] = &record.ReceivedBytes
	ints["created_at"] = &createdAt
	ints["updated_at"] = &updatedAt

	for name, dst := range ints {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parse %s of %s: %w", name, id, err)
		}
		*dst = v
	}

	record.TotalChunks = int(totalChunks)
	record.ReceivedChunks = int(receivedChunks)
	record.CreatedAt = time.UnixMilli(createdAt)
	record.UpdatedAt = time.UnixMilli(updatedAt)

	return record, nil
}
