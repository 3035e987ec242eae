// Package redis stores the frontier in Redis. Every transition runs as a Lua
// script so selecting and moving an entry happen atomically on the server.
//
// Layout under the configured prefix:
//
//	<prefix>:seq            INCR counter for entry ids
//	<prefix>:dedup          hash dedup_key -> member
//	<prefix>:pending        zset member -> -priority
//	<prefix>:inflight       zset member -> claimed_at (unix microseconds)
//	<prefix>:done           zset member -> completed_at (unix microseconds)
//	<prefix>:entry:<member> hash of entry fields
//
// Timestamps are unix microseconds, which zset scores hold exactly.
//
// A member is the entry id zero-padded to 20 digits, so equal scores in the
// pending set order by id.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

const defaultPrefix = "frontier"

var insertScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
  return 0
end
local s = tostring(redis.call('INCR', KEYS[1]))
local member = string.rep('0', 20 - #s) .. s
redis.call('HSET', ARGV[1] .. ':entry:' .. member,
  'id', s,
  'dedup_key', ARGV[2],
  'url', ARGV[3],
  'source_url', ARGV[4],
  'link_text', ARGV[5],
  'link_attributes', ARGV[6],
  'link_depth', ARGV[7],
  'is_redirect', ARGV[8],
  'priority', ARGV[9],
  'score', ARGV[10],
  'state', 'PENDING',
  'created_at', ARGV[11])
redis.call('HSET', KEYS[2], ARGV[2], member)
redis.call('ZADD', KEYS[3], ARGV[10], member)
return 1
`)

var claimScript = redis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local member = head[1]
local key = ARGV[1] .. ':entry:' .. member
redis.call('ZREM', KEYS[1], member)
redis.call('ZADD', KEYS[2], ARGV[2], member)
redis.call('HSET', key, 'state', 'IN_FLIGHT', 'claimed_at', ARGV[2])
return redis.call('HGETALL', key)
`)

var completeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) == false then
  return 0
end
local key = ARGV[1] .. ':entry:' .. ARGV[2]
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('HSET', key, 'state', 'DONE', 'completed_at', ARGV[3])
redis.call('HDEL', key, 'claimed_at')
return 1
`)

var reclaimScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, member in ipairs(stale) do
  local key = ARGV[1] .. ':entry:' .. member
  redis.call('ZREM', KEYS[1], member)
  redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'score'), member)
  redis.call('HSET', key, 'state', 'PENDING')
  redis.call('HDEL', key, 'claimed_at')
end
return #stale
`)

var purgeScript = redis.NewScript(`
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, member in ipairs(old) do
  local key = ARGV[1] .. ':entry:' .. member
  local dedup = redis.call('HGET', key, 'dedup_key')
  if dedup then
    redis.call('HDEL', KEYS[2], dedup)
  end
  redis.call('DEL', key)
  redis.call('ZREM', KEYS[1], member)
end
return #old
`)

var clearScript = redis.NewScript(`
for i = 2, 4 do
  for _, member in ipairs(redis.call('ZRANGE', KEYS[i], 0, -1)) do
    redis.call('DEL', ARGV[1] .. ':entry:' .. member)
  end
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return 1
`)

// Config controls the Redis store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	BatchSize int
	Clock     frontier.Clock
	Logger    *zap.Logger
}

// EntryStore implements frontier.Store on Redis.
type EntryStore struct {
	client    redis.UniversalClient
	prefix    string
	batchSize int
	clock     frontier.Clock
	logger    *zap.Logger
}

// NewEntryStore dials Redis at cfg.Addr and verifies the connection.
func NewEntryStore(ctx context.Context, cfg Config) (*EntryStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewEntryStoreWithClient(client, cfg), nil
}

// NewEntryStoreWithClient wraps an existing client. The store owns the client
// and closes it on Close.
func NewEntryStoreWithClient(client redis.UniversalClient, cfg Config) *EntryStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = frontier.DefaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = frontier.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntryStore{
		client:    client,
		prefix:    prefix,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger.Named("redis_store"),
	}
}

func (s *EntryStore) key(name string) string { return s.prefix + ":" + name }

func member(id int64) string { return fmt.Sprintf("%020d", id) }

// Close closes the underlying client.
func (s *EntryStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (s *EntryStore) insertKeys() []string {
	return []string{s.key("seq"), s.key("dedup"), s.key("pending")}
}

func (s *EntryStore) insertArgs(entry frontier.Entry, now time.Time) []any {
	return []any{
		s.prefix,
		entry.DedupKey,
		entry.URL,
		entry.SourceURL,
		entry.LinkText,
		entry.LinkAttributes,
		entry.Depth,
		boolFlag(entry.IsRedirect),
		entry.Priority,
		-entry.Priority,
		now.UnixMicro(),
	}
}

// Insert implements frontier.Store.
func (s *EntryStore) Insert(ctx context.Context, entry frontier.Entry) (frontier.InsertOutcome, error) {
	n, err := insertScript.Run(ctx, s.client, s.insertKeys(), s.insertArgs(entry, s.clock.Now())...).Int64()
	if err != nil {
		return 0, classify("insert entry", err)
	}
	return outcome(n), nil
}

// InsertBatch implements frontier.Store. Each chunk is sent as one pipeline
// of insert scripts. Every script is atomic on its own, so a failed pipeline
// may leave part of a chunk applied; those entries are counted and a retry
// skips them as duplicates.
func (s *EntryStore) InsertBatch(ctx context.Context, entries []frontier.Entry) (frontier.BatchResult, error) {
	var total frontier.BatchResult
	if len(entries) == 0 {
		return total, nil
	}
	if err := insertScript.Load(ctx, s.client).Err(); err != nil {
		return total, classify("load insert script", err)
	}
	for i, chunk := range frontier.Chunks(entries, s.batchSize) {
		res, err := s.insertChunk(ctx, chunk)
		total.Add(res)
		if err != nil {
			return total, fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	return total, nil
}

func (s *EntryStore) insertChunk(ctx context.Context, chunk []frontier.Entry) (frontier.BatchResult, error) {
	var res frontier.BatchResult
	now := s.clock.Now()
	keys := s.insertKeys()
	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range chunk {
			insertScript.EvalSha(ctx, pipe, keys, s.insertArgs(entry, now)...)
		}
		return nil
	})
	for _, cmd := range cmds {
		c, ok := cmd.(*redis.Cmd)
		if !ok {
			continue
		}
		n, cerr := c.Int64()
		if cerr != nil {
			continue
		}
		if outcome(n) == frontier.Inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	if err != nil {
		return res, classify("batch insert", err)
	}
	return res, nil
}

// ClaimOne implements frontier.Store.
func (s *EntryStore) ClaimOne(ctx context.Context) (frontier.Entry, bool, error) {
	fields, err := claimScript.Run(ctx, s.client,
		[]string{s.key("pending"), s.key("inflight")},
		s.prefix, s.clock.Now().UnixMicro(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return frontier.Entry{}, false, nil
	}
	if err != nil {
		return frontier.Entry{}, false, classify("claim entry", err)
	}
	entry, err := decodeEntry(fields)
	if err != nil {
		return frontier.Entry{}, false, fmt.Errorf("claim entry: %w", err)
	}
	return entry, true, nil
}

// Complete implements frontier.Store.
func (s *EntryStore) Complete(ctx context.Context, id int64) error {
	n, err := completeScript.Run(ctx, s.client,
		[]string{s.key("inflight"), s.key("done")},
		s.prefix, member(id), s.clock.Now().UnixMicro(),
	).Int64()
	if err != nil {
		return classify("complete entry", err)
	}
	if n == 0 {
		return frontier.ErrNotFound
	}
	return nil
}

// ReclaimStale implements frontier.Store.
func (s *EntryStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixMicro()
	n, err := reclaimScript.Run(ctx, s.client,
		[]string{s.key("inflight"), s.key("pending")},
		s.prefix, cutoff,
	).Int()
	if err != nil {
		return 0, classify("reclaim stale", err)
	}
	return n, nil
}

// HasPendingOrInFlight implements frontier.Store.
func (s *EntryStore) HasPendingOrInFlight(ctx context.Context) (bool, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.HasWork(), nil
}

// CountPending implements frontier.Store.
func (s *EntryStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key("pending")).Result()
	if err != nil {
		return 0, classify("count pending", err)
	}
	return int(n), nil
}

// Stats implements frontier.Store. The three cardinalities are read in one
// MULTI so they describe the same instant.
func (s *EntryStore) Stats(ctx context.Context) (frontier.Stats, error) {
	var pending, inFlight, done *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, s.key("pending"))
		inFlight = pipe.ZCard(ctx, s.key("inflight"))
		done = pipe.ZCard(ctx, s.key("done"))
		return nil
	})
	if err != nil {
		return frontier.Stats{}, classify("stats", err)
	}
	return frontier.Stats{
		Pending:  int(pending.Val()),
		InFlight: int(inFlight.Val()),
		Done:     int(done.Val()),
	}, nil
}

// PurgeDone implements frontier.Store.
func (s *EntryStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan).UnixMicro()
	n, err := purgeScript.Run(ctx, s.client,
		[]string{s.key("done"), s.key("dedup")},
		s.prefix, cutoff,
	).Int()
	if err != nil {
		return 0, classify("purge done", err)
	}
	return n, nil
}

// Clear implements frontier.Store. The id counter survives so ids are never
// reused.
func (s *EntryStore) Clear(ctx context.Context) error {
	err := clearScript.Run(ctx, s.client,
		[]string{s.key("dedup"), s.key("pending"), s.key("inflight"), s.key("done")},
		s.prefix,
	).Err()
	if err != nil {
		return classify("clear entries", err)
	}
	s.logger.Info("cleared frontier entries", zap.String("prefix", s.prefix))
	return nil
}

func outcome(n int64) frontier.InsertOutcome {
	if n == 0 {
		return frontier.DuplicateSkipped
	}
	return frontier.Inserted
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeEntry(flat []string) (frontier.Entry, error) {
	if len(flat)%2 != 0 {
		return frontier.Entry{}, fmt.Errorf("malformed entry hash: %d fields", len(flat))
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}

	var (
		e   frontier.Entry
		err error
	)
	if e.ID, err = strconv.ParseInt(fields["id"], 10, 64); err != nil {
		return frontier.Entry{}, fmt.Errorf("parse id: %w", err)
	}
	if e.Depth, err = strconv.Atoi(fields["link_depth"]); err != nil {
		return frontier.Entry{}, fmt.Errorf("parse link_depth: %w", err)
	}
	if e.Priority, err = strconv.Atoi(fields["priority"]); err != nil {
		return frontier.Entry{}, fmt.Errorf("parse priority: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return frontier.Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	e.DedupKey = fields["dedup_key"]
	e.URL = fields["url"]
	e.SourceURL = fields["source_url"]
	e.LinkText = fields["link_text"]
	e.LinkAttributes = fields["link_attributes"]
	e.IsRedirect = fields["is_redirect"] == "1"
	e.State = frontier.State(fields["state"])
	if !e.State.Valid() {
		return frontier.Entry{}, fmt.Errorf("unknown entry state %q", fields["state"])
	}
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	if e.ClaimedAt, err = microsField(fields, "claimed_at"); err != nil {
		return frontier.Entry{}, err
	}
	if e.CompletedAt, err = microsField(fields, "completed_at"); err != nil {
		return frontier.Entry{}, err
	}
	return e, nil
}

func microsField(fields map[string]string, name string) (*time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	us, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	t := time.UnixMicro(us).UTC()
	return &t, nil
}

// classify maps client errors onto the frontier error contract. Server replies
// are plain errors; network failures and a closed client are transient.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		if isBusyReply(replyErr.Error()) {
			return fmt.Errorf("%s: %w: %w", op, frontier.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %w", op, frontier.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusyReply(msg string) bool {
	for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
