package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// metadataCacheTTL bounds how stale a cached metadata read may be.
const metadataCacheTTL = 5 * time.Second

// Redis key patterns:
// discussion:topic:{id}:seq               STRING  - per-topic insertion counter
// discussion:topic:{id}:messages          ZSET    - message id scored by server ms
// discussion:topic:{id}:message:{mid}     HASH    - message document
// discussion:topic:{id}:meta              HASH    - message_count, last_activity, updated_at
// presence:topic:{id}:users               HASH    - user id -> JSON roster entry
// presence:topic:{id}:active              ZSET    - user id scored by last activity ms
// diagnostics:canary:{instance}           STRING  - permission test canary

func seqKey(topicID int64) string {
	return fmt.Sprintf("discussion:topic:%d:seq", topicID)
}

func messagesKey(topicID int64) string {
	return fmt.Sprintf("discussion:topic:%d:messages", topicID)
}

func messagePrefix(topicID int64) string {
	return fmt.Sprintf("discussion:topic:%d:message:", topicID)
}

func messageKey(topicID int64, messageID string) string {
	return messagePrefix(topicID) + messageID
}

func metaKey(topicID int64) string {
	return fmt.Sprintf("discussion:topic:%d:meta", topicID)
}

func presenceUsersKey(topicID int64) string {
	return fmt.Sprintf("presence:topic:%d:users", topicID)
}

func presenceActiveKey(topicID int64) string {
	return fmt.Sprintf("presence:topic:%d:active", topicID)
}

// appendScript allocates the next sequence number, stamps the message with the
// server clock and indexes it. The member's zero-padded seq prefix breaks score ties
// in insertion order. The message hash key is built inside the script from ARGV, so
// it is not declared in KEYS; this assumes a single-node Redis, not Cluster.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local t = redis.call('TIME')
local ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local id = string.format('%016x', seq) .. '-' .. ARGV[1]
redis.call('HSET', ARGV[2] .. id,
  'sender_id', ARGV[3], 'sender_name', ARGV[4], 'sender_image', ARGV[5],
  'content', ARGV[6], 'timestamp', ms, 'seq', seq, 'is_read', '0', 'is_deleted', '0')
redis.call('ZADD', KEYS[2], ms, id)
return {id, ms, seq}
`)

// softDeleteScript only lets the original sender tombstone a message.
// Returns 1 on success, 0 when the message is missing and -1 for another sender.
var softDeleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'sender_id') ~= ARGV[1] then
  return -1
end
redis.call('HSET', KEYS[1], 'content', ARGV[2], 'is_deleted', '1')
return 1
`)

// sweepScript removes every roster entry still stale at execution time.
var sweepScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, uid in ipairs(stale) do
  redis.call('ZREM', KEYS[1], uid)
  redis.call('HDEL', KEYS[2], uid)
end
return stale
`)

// RedisStore implements MessageStore, PresenceStore and Diagnostics on Redis.
type RedisStore struct {
	client    *redis.Client
	publisher pubsub.Publisher

	cacheMu      sync.Mutex
	cacheEnabled bool
	metaCache    map[int64]cachedMetadata
}

type cachedMetadata struct {
	meta    domain.ChatMetadata
	expires time.Time
}

// DialRedis opens and pings a client.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, mapRedisError(err))
	}
	return client, nil
}

// NewRedisStore connects to Redis. publisher may be nil, in which case no change
// notifications are emitted.
func NewRedisStore(ctx context.Context, cfg RedisConfig, publisher pubsub.Publisher) (*RedisStore, error) {
	client, err := DialRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, publisher), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes the client.
func NewRedisStoreFromClient(client *redis.Client, publisher pubsub.Publisher) *RedisStore {
	return &RedisStore{
		client:    client,
		publisher: publisher,
		metaCache: make(map[int64]cachedMetadata),
	}
}

func (s *RedisStore) AppendMessage(ctx context.Context, topicID int64, draft domain.MessageDraft) (domain.Message, error) {
	res, err := appendScript.Run(ctx, s.client,
		[]string{seqKey(topicID), messagesKey(topicID)},
		uuid.New().String(),
		messagePrefix(topicID),
		strconv.FormatInt(draft.SenderID, 10),
		draft.SenderName,
		draft.SenderImage,
		draft.Content,
	).Slice()
	if err != nil {
		return domain.Message{}, mapRedisError(err)
	}
	if len(res) != 3 {
		return domain.Message{}, fmt.Errorf("unexpected append reply: %v", res)
	}

	id, _ := res[0].(string)
	ms, _ := res[1].(int64)
	seq, _ := res[2].(int64)

	msg := domain.Message{
		ID:          id,
		SenderID:    draft.SenderID,
		SenderName:  draft.SenderName,
		SenderImage: draft.SenderImage,
		Content:     draft.Content,
		Timestamp:   time.UnixMilli(ms),
		Seq:         seq,
	}

	s.notify(ctx, topicID, pubsub.EventMessageAdded)
	return msg, nil
}

func (s *RedisStore) SoftDeleteMessage(ctx context.Context, topicID int64, messageID string, requesterID int64) error {
	code, err := softDeleteScript.Run(ctx, s.client,
		[]string{messageKey(topicID, messageID)},
		strconv.FormatInt(requesterID, 10),
		domain.DeletedMarker,
	).Int()
	if err != nil {
		return mapRedisError(err)
	}

	switch code {
	case 0:
		return domain.ErrNotFound
	case -1:
		return domain.ErrNotSender
	}

	s.notify(ctx, topicID, pubsub.EventMessageDeleted)
	return nil
}

func (s *RedisStore) ListMessages(ctx context.Context, topicID int64, limit int) ([]domain.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, messagesKey(topicID), 0, stop).Result()
	if err != nil {
		return nil, mapRedisError(err)
	}
	if len(ids) == 0 {
		return []domain.Message{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, messageKey(topicID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapRedisError(err)
	}

	msgs := make([]domain.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		msgs = append(msgs, decodeMessage(ids[i], fields))
	}
	domain.SortMessages(msgs)
	return msgs, nil
}

func decodeMessage(id string, f map[string]string) domain.Message {
	senderID, _ := strconv.ParseInt(f["sender_id"], 10, 64)
	ms, _ := strconv.ParseInt(f["timestamp"], 10, 64)
	seq, _ := strconv.ParseInt(f["seq"], 10, 64)
	return domain.Message{
		ID:          id,
		SenderID:    senderID,
		SenderName:  f["sender_name"],
		SenderImage: f["sender_image"],
		Content:     f["content"],
		Timestamp:   time.UnixMilli(ms),
		IsRead:      f["is_read"] == "1",
		IsDeleted:   f["is_deleted"] == "1",
		Seq:         seq,
	}
}

func (s *RedisStore) MergeMetadata(ctx context.Context, topicID int64, at time.Time) error {
	key := metaKey(topicID)
	ms := at.UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "message_count", 1)
	pipe.HSet(ctx, key, "last_activity", ms, "updated_at", ms)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return mapRedisError(err)
	}

	s.cacheMu.Lock()
	delete(s.metaCache, topicID)
	s.cacheMu.Unlock()
	return nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, topicID int64) (*domain.ChatMetadata, error) {
	if meta, ok := s.cachedMetadata(topicID); ok {
		return &meta, nil
	}

	fields, err := s.client.HGetAll(ctx, metaKey(topicID)).Result()
	if err != nil {
		return nil, mapRedisError(err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}

	count, _ := strconv.ParseInt(fields["message_count"], 10, 64)
	last, _ := strconv.ParseInt(fields["last_activity"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	meta := domain.ChatMetadata{
		TopicID:      topicID,
		LastActivity: time.UnixMilli(last),
		UpdatedAt:    time.UnixMilli(updated),
		MessageCount: count,
	}
	s.storeMetadata(meta)
	return &meta, nil
}

// EnableCache turns on a short-lived local cache for metadata reads.
func (s *RedisStore) EnableCache(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return mapRedisError(err)
	}
	s.cacheMu.Lock()
	s.cacheEnabled = true
	s.cacheMu.Unlock()
	return nil
}

func (s *RedisStore) cachedMetadata(topicID int64) (domain.ChatMetadata, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if !s.cacheEnabled {
		return domain.ChatMetadata{}, false
	}
	entry, ok := s.metaCache[topicID]
	if !ok || time.Now().After(entry.expires) {
		return domain.ChatMetadata{}, false
	}
	return entry.meta, true
}

func (s *RedisStore) storeMetadata(meta domain.ChatMetadata) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.cacheEnabled {
		s.metaCache[meta.TopicID] = cachedMetadata{meta: meta, expires: time.Now().Add(metadataCacheTTL)}
	}
}

func (s *RedisStore) UpsertPresence(ctx context.Context, topicID int64, user domain.OnlineUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}
	uid := strconv.FormatInt(user.UserID, 10)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, presenceUsersKey(topicID), uid, data)
	pipe.ZAdd(ctx, presenceActiveKey(topicID), redis.Z{Score: float64(user.LastActive), Member: uid})
	if _, err := pipe.Exec(ctx); err != nil {
		return mapRedisError(err)
	}

	s.notify(ctx, topicID, pubsub.EventPresenceChanged)
	return nil
}

func (s *RedisStore) RemovePresence(ctx context.Context, topicID int64, userID int64) error {
	uid := strconv.FormatInt(userID, 10)

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, presenceUsersKey(topicID), uid)
	pipe.ZRem(ctx, presenceActiveKey(topicID), uid)
	if _, err := pipe.Exec(ctx); err != nil {
		return mapRedisError(err)
	}

	s.notify(ctx, topicID, pubsub.EventPresenceChanged)
	return nil
}

func (s *RedisStore) ListPresence(ctx context.Context, topicID int64) ([]domain.OnlineUser, error) {
	entries, err := s.client.HGetAll(ctx, presenceUsersKey(topicID)).Result()
	if err != nil {
		return nil, mapRedisError(err)
	}

	users := make([]domain.OnlineUser, 0, len(entries))
	for uid, raw := range entries {
		var u domain.OnlineUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			l := log.L()
			l.Warn().Err(err).Int64(log.FieldTopicID, topicID).Str(log.FieldUserID, uid).Msg("skipping malformed presence entry")
			continue
		}
		users = append(users, u)
	}
	domain.SortRoster(users)
	return users, nil
}

func (s *RedisStore) SweepStale(ctx context.Context, topicID int64, cutoff time.Time) ([]int64, error) {
	removed, err := sweepScript.Run(ctx, s.client,
		[]string{presenceActiveKey(topicID), presenceUsersKey(topicID)},
		cutoff.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, mapRedisError(err)
	}

	ids := make([]int64, 0, len(removed))
	for _, uid := range removed {
		if id, err := strconv.ParseInt(uid, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		s.notify(ctx, topicID, pubsub.EventPresenceChanged)
	}
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return mapRedisError(s.client.Ping(ctx).Err())
}

func (s *RedisStore) WriteCanary(ctx context.Context, key, value string) error {
	return mapRedisError(s.client.Set(ctx, key, value, time.Minute).Err())
}

func (s *RedisStore) ReadCanary(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	return v, mapRedisError(err)
}

func (s *RedisStore) DeleteCanary(ctx context.Context, key string) error {
	return mapRedisError(s.client.Del(ctx, key).Err())
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// notify publishes a change notification. Failures are logged; subscribers recover
// on the next event.
func (s *RedisStore) notify(ctx context.Context, topicID int64, eventType string) {
	publish(ctx, s.publisher, topicID, eventType)
}

func publish(ctx context.Context, publisher pubsub.Publisher, topicID int64, eventType string) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, pubsub.TopicEventsChannel(topicID), pubsub.NewEvent(eventType, topicID)); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Int64(log.FieldTopicID, topicID).Str("event_type", eventType).Msg("failed to publish change event")
	}
}
