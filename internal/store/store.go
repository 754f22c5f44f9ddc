// Package store 定義鍵值儲存介面與 Redis 實作。
//
// 系統設計問題：
//   快取引擎與聊天領域都依賴同一個遠端鍵值儲存，
//   如何讓上層程式碼可測試、可替換？
//
// 設計方案：
//   ✅ 介面抽象 - 只暴露系統實際消費的指令面
//   ✅ redis.Nil 轉換 - 上層只需認識 ErrNotFound
//   ✅ Mock 實作 - 測試不依賴真實 Redis（見 internal/testutils）
//
// 為什麼定義介面而非直接使用 *redis.Client？
//   - 便於測試（可用記憶體 Mock 替代真實 Redis）
//   - 明確列出系統依賴的指令（介面即文件）
//   - 每個指令視為獨立原子操作，不假設跨指令的交易保證
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 表示鍵不存在。
//
// 統一的不存在語意：
//   Redis 的 GET 回傳 redis.Nil、HGETALL 回傳空 map、
//   ZSCORE 回傳 redis.Nil，上層不應該分別處理這些差異。
var ErrNotFound = errors.New("store: key not found")

// Member 是 sorted set 的 (成員, 分數) 配對。
type Member struct {
	Name  string
	Score float64
}

// Store 是鍵值儲存的操作介面。
//
// 涵蓋範圍：
//   - 字串：Get / Set（含過期時間）/ Incr / Decr
//   - 雜湊：HSet / HGetAll
//   - 列表：ListPush / ListPop / ListRange / ListLen / ListTrim
//   - 集合：SetAdd / SetRem / SetMembers / SetIsMember / SetCard
//   - 有序集合：ZAdd / ZIncrBy / ZRem / ZCard / ZScore /
//     ZRangeWithScores / ZRevRangeWithScores
//   - 鍵管理：Exists / TTL / Del / Scan
//
// 原子性假設：
//   每個方法對應儲存端的單一指令，單指令原子；
//   多步驟序列（如檢查容量 → 淘汰 → 寫入）整體不具原子性。
type Store interface {
	// Get 讀取字串值，鍵不存在時回傳 ErrNotFound。
	Get(ctx context.Context, key string) (string, error)

	// Set 寫入字串值。ttl <= 0 表示不過期。
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr 將整數值加一，回傳新值。
	Incr(ctx context.Context, key string) (int64, error)

	// Decr 將整數值減一，回傳新值。
	Decr(ctx context.Context, key string) (int64, error)

	// HSet 設定雜湊欄位。
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll 讀取雜湊所有欄位，鍵不存在時回傳 ErrNotFound。
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ListPush 將值推入列表尾端，回傳列表長度。
	ListPush(ctx context.Context, key string, values ...string) (int64, error)

	// ListPop 從列表頭端彈出一個值，列表為空時回傳 ErrNotFound。
	ListPop(ctx context.Context, key string) (string, error)

	// ListRange 讀取列表區間（含兩端，支援負索引）。
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ListLen 回傳列表長度。
	ListLen(ctx context.Context, key string) (int64, error)

	// ListTrim 裁剪列表至指定區間。
	ListTrim(ctx context.Context, key string, start, stop int64) error

	// SetAdd 將成員加入集合，回傳新加入的數量。
	SetAdd(ctx context.Context, key string, members ...string) (int64, error)

	// SetRem 從集合移除成員，回傳實際移除的數量。
	SetRem(ctx context.Context, key string, members ...string) (int64, error)

	// SetMembers 回傳集合所有成員。
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetIsMember 檢查成員是否在集合中。
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	// SetCard 回傳集合成員數。
	SetCard(ctx context.Context, key string) (int64, error)

	// ZAdd 新增或更新有序集合成員的分數（upsert 語意）。
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZIncrBy 為有序集合成員的分數加上增量，回傳新分數。
	// 成員不存在時視為從 0 開始。
	ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error)

	// ZRem 移除有序集合成員，回傳實際移除的數量。
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZCard 回傳有序集合成員數。
	ZCard(ctx context.Context, key string) (int64, error)

	// ZScore 讀取成員分數，成員不存在時回傳 ErrNotFound。
	ZScore(ctx context.Context, key, member string) (float64, error)

	// ZRangeWithScores 依分數由低到高讀取區間成員。
	// 相同分數依儲存端的字典序排列。
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)

	// ZRevRangeWithScores 依分數由高到低讀取區間成員。
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)

	// Exists 檢查鍵是否存在。
	Exists(ctx context.Context, key string) (bool, error)

	// TTL 回傳鍵的剩餘存活時間。
	// 鍵不存在時回傳 ErrNotFound；存在但無過期時間時回傳 -1。
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del 刪除多個鍵，回傳實際刪除的數量。
	Del(ctx context.Context, keys ...string) (int64, error)

	// Scan 列舉符合 glob 樣式的所有鍵。
	//
	// 實作要求：
	//   必須使用游標式掃描（SCAN）而非 KEYS，
	//   避免在大鍵空間下阻塞儲存端。
	Scan(ctx context.Context, pattern string) ([]string, error)
}
