package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 是 Store 介面的 Redis 實作。
//
// 系統設計考量：
//
//  1. 指令對應：
//     每個方法對應單一 Redis 指令，保持單指令原子性假設。
//
//  2. 錯誤轉換：
//     redis.Nil → ErrNotFound（上層統一處理不存在語意）
//     其他錯誤原樣回傳（網路錯誤、逾時由上層決定降級策略）
//
//  3. 連線池：
//     由呼叫方在建立 *redis.Client 時設定
//     （PoolSize、ReadTimeout 等，見 cmd/server）。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 建立 Redis 儲存實例。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get 讀取字串值。
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Set 寫入字串值。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Incr 原子加一。
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// Decr 原子減一。
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

// HSet 設定雜湊欄位。
func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

// HGetAll 讀取雜湊所有欄位。
//
// Redis 對不存在的鍵回傳空 map 而非錯誤，
// 這裡轉換為 ErrNotFound 統一語意。
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// ListPush 推入列表尾端（RPUSH）。
func (s *RedisStore) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.RPush(ctx, key, args...).Result()
}

// ListPop 從列表頭端彈出（LPOP）。
func (s *RedisStore) ListPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// ListRange 讀取列表區間（LRANGE）。
func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

// ListLen 回傳列表長度（LLEN）。
func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// ListTrim 裁剪列表（LTRIM）。
func (s *RedisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

// SetAdd 加入集合成員（SADD）。
func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Result()
}

// SetRem 移除集合成員（SREM）。
func (s *RedisStore) SetRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Result()
}

// SetMembers 回傳集合所有成員（SMEMBERS）。
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// SetIsMember 檢查集合成員（SISMEMBER）。
func (s *RedisStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

// SetCard 回傳集合成員數（SCARD）。
func (s *RedisStore) SetCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

// ZAdd 新增或更新有序集合成員（ZADD）。
func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZIncrBy 增加成員分數（ZINCRBY）。
func (s *RedisStore) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	return s.client.ZIncrBy(ctx, key, increment, member).Result()
}

// ZRem 移除有序集合成員（ZREM）。
func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Result()
}

// ZCard 回傳有序集合成員數（ZCARD）。
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// ZScore 讀取成員分數（ZSCORE）。
func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return score, err
}

// ZRangeWithScores 依分數由低到高讀取（ZRANGE WITHSCORES）。
func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

// ZRevRangeWithScores 依分數由高到低讀取（ZREVRANGE WITHSCORES）。
func (s *RedisStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

// Exists 檢查鍵是否存在（EXISTS）。
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// TTL 回傳剩餘存活時間。
//
// Redis 語意：
//   -2：鍵不存在 → 轉為 ErrNotFound
//   -1：鍵存在但無過期時間 → 回傳 -1
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl == -2 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

// Del 刪除多個鍵（DEL）。
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

// Scan 游標式列舉符合樣式的鍵。
//
// 為什麼用 SCAN 而非 KEYS？
//   KEYS 是 O(n) 阻塞操作，大鍵空間下會卡住整個 Redis；
//   SCAN 分批遍歷，每批只持有短暫的執行時間。
//
// 注意：
//   SCAN 保證完整遍歷開始時就存在的鍵，
//   但遍歷期間新增/刪除的鍵可能漏掃或重複，
//   呼叫方（樣式失效）可容忍此弱一致性。
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func toMembers(zs []redis.Z) []Member {
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		name, _ := z.Member.(string)
		members = append(members, Member{Name: name, Score: z.Score})
	}
	return members
}
