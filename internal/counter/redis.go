package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"notehub/api/internal/votes"
)

// applyVoteScript performs the voter compare-and-set, the tally adjustment and
// the index refresh as one unit. KEYS: tallies, voters, then pairs of
// (score index, down index). ARGV: user id, kind, index member, workspace id.
// The workspace is kept in the tallies hash so Remove can find the workspace
// indexes of a note.
var applyVoteScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[2], ARGV[1])
local outcome = 'noop'
if prev ~= ARGV[2] then
  redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
  if prev then
    if redis.call('HINCRBY', KEYS[1], prev, -1) < 0 then
      redis.call('HSET', KEYS[1], prev, 0)
    end
    outcome = 'flip'
  else
    outcome = 'first'
  end
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
if #KEYS > 4 then
  redis.call('HSET', KEYS[1], 'ws', ARGV[4])
end
local up = tonumber(redis.call('HGET', KEYS[1], 'up') or '0')
local down = tonumber(redis.call('HGET', KEYS[1], 'down') or '0')
for i = 3, #KEYS, 2 do
  redis.call('ZADD', KEYS[i], down - up, ARGV[3])
  redis.call('ZADD', KEYS[i + 1], -down, ARGV[3])
end
return {up, down, outcome}
`)

// RedisStore implements votes.CounterStore on Redis hashes and sorted sets.
// Index scores are stored negated so an ascending ZRANGE walks the ranking
// from the top.
type RedisStore struct {
	client *redis.Client
	keys   keyspace
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		keys:   keyspace{prefix: prefix},
	}
}

func (s *RedisStore) ApplyVote(ctx context.Context, ballot votes.Ballot) (votes.Tally, votes.Outcome, error) {
	keys := []string{s.keys.tallies(ballot.NoteID), s.keys.voters(ballot.NoteID)}
	for _, key := range s.keys.indexKeys(ballot.WorkspaceID) {
		if key != "" {
			keys = append(keys, key)
		}
	}

	reply, err := applyVoteScript.Run(ctx, s.client, keys,
		strconv.FormatInt(ballot.UserID, 10),
		string(ballot.Kind),
		member(ballot.NoteID),
		strconv.FormatInt(ballot.WorkspaceID, 10),
	).Slice()
	if err != nil {
		return votes.Tally{}, "", fmt.Errorf("apply vote: %w", err)
	}
	if len(reply) != 3 {
		return votes.Tally{}, "", fmt.Errorf("apply vote: unexpected reply length %d", len(reply))
	}

	up, okUp := reply[0].(int64)
	down, okDown := reply[1].(int64)
	outcome, okOutcome := reply[2].(string)
	if !okUp || !okDown || !okOutcome {
		return votes.Tally{}, "", fmt.Errorf("apply vote: unexpected reply %v", reply)
	}
	return votes.Tally{Up: up, Down: down}, votes.Outcome(outcome), nil
}

func (s *RedisStore) Tally(ctx context.Context, noteID int64) (votes.Tally, error) {
	values, err := s.client.HMGet(ctx, s.keys.tallies(noteID), string(votes.KindUp), string(votes.KindDown)).Result()
	if err != nil {
		return votes.Tally{}, fmt.Errorf("read tally: %w", err)
	}
	up, err := hashInt(values[0])
	if err != nil {
		return votes.Tally{}, err
	}
	down, err := hashInt(values[1])
	if err != nil {
		return votes.Tally{}, err
	}
	return votes.Tally{Up: up, Down: down}, nil
}

// Ranked returns up to limit note ids ranked after afterNoteID (0 starts at
// the top). The position of the cursor is looked up at call time, so pages
// shift when scores change between calls.
func (s *RedisStore) Ranked(ctx context.Context, scope votes.Scope, key votes.SortKey, afterNoteID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}
	indexKey := s.keys.index(scope, key)

	size, err := s.client.ZCard(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ranking size: %w", err)
	}
	if size == 0 {
		return nil, votes.ErrIndexEmpty
	}

	var start int64
	if afterNoteID > 0 {
		rank, err := s.client.ZRank(ctx, indexKey, member(afterNoteID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, votes.ErrCursorNotIndexed
		}
		if err != nil {
			return nil, fmt.Errorf("ranking cursor: %w", err)
		}
		start = rank + 1
	}

	members, err := s.client.ZRange(ctx, indexKey, start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("ranking page: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Overwrite replaces everything the store knows about one note.
func (s *RedisStore) Overwrite(ctx context.Context, snapshot votes.Snapshot) error {
	talliesKey := s.keys.tallies(snapshot.NoteID)
	votersKey := s.keys.voters(snapshot.NoteID)
	m := member(snapshot.NoteID)
	indexKeys := s.keys.indexKeys(snapshot.WorkspaceID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, talliesKey, votersKey)
		pipe.HSet(ctx, talliesKey, string(votes.KindUp), snapshot.Tally.Up, string(votes.KindDown), snapshot.Tally.Down)
		if len(snapshot.Voters) > 0 {
			fields := make([]any, 0, 2*len(snapshot.Voters))
			for userID, kind := range snapshot.Voters {
				fields = append(fields, strconv.FormatInt(userID, 10), string(kind))
			}
			pipe.HSet(ctx, votersKey, fields...)
		}
		for i := 0; i < len(indexKeys); i += 2 {
			if indexKeys[i] == "" {
				continue
			}
			pipe.ZAdd(ctx, indexKeys[i], redis.Z{Score: float64(-snapshot.Tally.Score()), Member: m})
			pipe.ZAdd(ctx, indexKeys[i+1], redis.Z{Score: float64(-snapshot.Tally.Down), Member: m})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("overwrite note %d: %w", snapshot.NoteID, err)
	}
	return nil
}

// IndexedNotes scans the global score index with ZSCAN. count is a hint, as
// with any Redis SCAN.
func (s *RedisStore) IndexedNotes(ctx context.Context, cursor uint64, count int) ([]int64, uint64, error) {
	indexKey := s.keys.index(votes.Global(), votes.SortUpvotes)
	pairs, next, err := s.client.ZScan(ctx, indexKey, cursor, "", int64(count)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scan index: %w", err)
	}
	// ZSCAN replies with member, score pairs
	ids := make([]int64, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		id, err := parseMember(pairs[i])
		if err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	return ids, next, nil
}

// Remove deletes a note's hashes and its members in the global and workspace
// indexes.
func (s *RedisStore) Remove(ctx context.Context, noteID int64) error {
	talliesKey := s.keys.tallies(noteID)
	workspaceID, err := s.client.HGet(ctx, talliesKey, workspaceField).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove note %d: %w", noteID, err)
	}

	m := member(noteID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, talliesKey, s.keys.voters(noteID))
		for _, key := range s.keys.indexKeys(workspaceID) {
			if key != "" {
				pipe.ZRem(ctx, key, m)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove note %d: %w", noteID, err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func hashInt(value any) (int64, error) {
	if value == nil {
		return 0, nil
	}
	text, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected tally value %T", value)
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tally value %q: %w", text, err)
	}
	return n, nil
}
