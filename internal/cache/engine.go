// Package cache 實作鍵值儲存之上的快取策略目錄。
//
// 系統設計問題：
//   讀多寫少的聊天系統，如何在同一個快取層上
//   提供不同一致性/延遲取捨的存取策略？
//
// 核心挑戰：
//   1. 策略目錄：cache-aside、read-through、write-through、
//      write-around、write-back 各有不同的讀寫順序與失敗語意
//   2. 容量控制：LRU / LFU 淘汰，且狀態必須存放在遠端儲存
//      （多實例共享），不能用行程內結構
//   3. 失敗降級：快取層故障不能拖垮讀取路徑
//
// 設計方案：
//   ✅ 統一契約 - 每個策略接收 key + loader/persist 函式
//   ✅ Sorted set 淘汰索引 - 見 eviction.go
//   ✅ 髒標記 + 延遲寫入 - 見 writeback.go
//   ✅ 錯誤分層 - 快取層錯誤可降級，權威寫入錯誤必須上拋
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-chat-cache/internal/store"
)

// Loader 產生權威資料（快取未命中時呼叫）。
type Loader func(ctx context.Context) (any, error)

// PersistFunc 將資料寫入權威儲存，回傳實際持久化的值
// （可能經過轉換，如補上產生的 ID 或時間戳）。
type PersistFunc func(ctx context.Context, value any) (any, error)

// Engine 是快取策略引擎。
//
// 所有依賴顯式注入，行程啟動時建構一次後傳遞引用，
// 不使用套件層級的單例。
type Engine struct {
	store  store.Store
	stats  *Stats
	writer *DeferredWriter
	lru    *EvictionIndex
	lfu    *EvictionIndex
	logger *slog.Logger
}

// NewEngine 建立快取引擎。
func NewEngine(s store.Store, stats *Stats, writer *DeferredWriter, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		stats:  stats,
		writer: writer,
		lru:    NewEvictionIndex(s, PolicyLRU),
		lfu:    NewEvictionIndex(s, PolicyLFU),
		logger: logger,
	}
}

// CacheAside 實作 Cache-Aside 策略（旁路快取）。
//
// 讀取流程：
//   1. 查詢快取，命中：反序列化後直接返回
//   2. 未命中：呼叫 loader 取得權威資料
//   3. loader 結果非空：盡力寫入快取（失敗不影響返回值）
//   4. 返回 loader 的結果
//
// 錯誤語意：
//   - 快取讀寫失敗、反序列化失敗 → 視同未命中，降級走 loader
//   - 只有 loader 失敗才是整個呼叫的致命錯誤
//
// 併發問題：
//   多個執行緒同時未命中時，loader 會被執行多次、
//   快取被寫入多次（儲存端 last-write-wins）。
//   這是刻意保留的行為，不做 singleflight 合併；
//   生產環境強化可加 per-key in-flight map 防擊穿。
func (e *Engine) CacheAside(ctx context.Context, key string, ttl time.Duration, loader Loader) (any, error) {
	if value, ok := e.lookup(ctx, key); ok {
		e.stats.Hit()
		return value, nil
	}
	e.stats.Miss()

	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	e.fill(ctx, key, value, ttl)
	return value, nil
}

// ReadThrough 實作 Read-Through 策略（讀穿透）。
//
// 對呼叫方而言與 Cache-Aside 行為等價；
// 區別在於職責歸屬：生產系統中這段邏輯應活在快取層內部
// 而非呼叫方，這裡以獨立進入點表達該邊界。
func (e *Engine) ReadThrough(ctx context.Context, key string, ttl time.Duration, loader Loader) (any, error) {
	if value, ok := e.lookup(ctx, key); ok {
		e.stats.Hit()
		return value, nil
	}
	e.stats.Miss()

	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	e.fill(ctx, key, value, ttl)
	return value, nil
}

// WriteThrough 實作 Write-Through 策略（寫穿透）。
//
// 執行流程：
//   1. 先寫入權威儲存（persist）
//   2. 成功後才將持久化結果寫入快取
//
// 錯誤語意：
//   - persist 失敗：上拋，且絕不寫快取（不留幻影條目）
//   - 持久化結果序列化失敗：上拋（權威寫入已完成，
//     但不能默默吞掉快取寫入被丟棄的事實）
//   - 快取寫入失敗：盡力而為，下次讀取會未命中後重載
func (e *Engine) WriteThrough(ctx context.Context, key string, value any, ttl time.Duration, persist PersistFunc) (any, error) {
	persisted, err := persist(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("write-through persist: %w", err)
	}

	encoded, err := marshalValue(persisted)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, key, encoded, ttl); err != nil {
		e.logger.Warn("write-through cache fill failed",
			"key", key,
			"error", err)
	}

	return persisted, nil
}

// WriteAround 實作 Write-Around 策略（繞寫）。
//
// 執行流程：
//   1. 寫入權威儲存
//   2. 成功後主動刪除既有快取條目（失效而非填充）
//
// 為何刪除而非更新快取？
//   下一次讀取保證未命中，由讀取策略重新載入，
//   避免寫入方與併發讀取方互相覆蓋造成不一致。
func (e *Engine) WriteAround(ctx context.Context, key string, value any, persist PersistFunc) (any, error) {
	persisted, err := persist(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("write-around persist: %w", err)
	}

	if _, err := e.store.Del(ctx, key); err != nil {
		// 失效失敗只能容忍：快取中可能殘留舊值直到過期
		e.logger.Warn("write-around invalidation failed",
			"key", key,
			"error", err)
	}

	return persisted, nil
}

// WriteBack 實作 Write-Back 策略（寫回）。
//
// 執行流程：
//   1. 立即寫入快取（含 ttl）並標記為髒
//   2. 立即返回快取副本，不等待持久化
//   3. persist 在固定延遲後非同步執行（見 DeferredWriter）
//
// 刻意的取捨：
//   以持久性換延遲 —— 快取寫入與延遲持久化之間若行程崩潰，
//   該筆更新遺失，髒標記是唯一痕跡。
//
// 錯誤語意：
//   - 序列化失敗：上拋（寫入會被整個丟棄，不可默默吞掉）
//   - 快取寫入失敗：上拋（write-back 中快取就是第一落點，
//     失敗表示資料哪裡都不存在）
func (e *Engine) WriteBack(ctx context.Context, key string, value any, ttl time.Duration, persist PersistFunc) (any, error) {
	encoded, err := marshalValue(value)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, key, encoded, ttl); err != nil {
		return nil, fmt.Errorf("write-back cache write: %w", err)
	}

	if err := e.writer.MarkDirty(ctx, key); err != nil {
		e.logger.Warn("failed to mark key dirty",
			"key", key,
			"error", err)
	}

	e.writer.Schedule(key, func(ctx context.Context) error {
		_, err := persist(ctx, value)
		return err
	})

	return value, nil
}

// LRUSet 以 LRU 策略寫入，超過 maxSize 時淘汰最久未使用的鍵。
func (e *Engine) LRUSet(ctx context.Context, key string, value any, ttl time.Duration, maxSize int64) error {
	return e.lru.Set(ctx, key, value, ttl, maxSize)
}

// LRUGet 讀取並將鍵標記為最近使用。
func (e *Engine) LRUGet(ctx context.Context, key string) (any, bool, error) {
	return e.lru.Get(ctx, key)
}

// LFUSet 以 LFU 策略寫入，超過 maxSize 時淘汰使用頻率最低的鍵。
func (e *Engine) LFUSet(ctx context.Context, key string, value any, ttl time.Duration, maxSize int64) error {
	return e.lfu.Set(ctx, key, value, ttl, maxSize)
}

// LFUGet 讀取並將鍵的使用頻率 +1。
func (e *Engine) LFUGet(ctx context.Context, key string) (any, bool, error) {
	return e.lfu.Get(ctx, key)
}

// Invalidate 刪除所有符合 glob 樣式的鍵，回傳刪除數量。
//
// 範例：
//   Invalidate(ctx, "room:42:*")  // 失效房間 42 的所有快取
//
// 邊界情況：
//   無任何鍵符合時回傳 0，不是錯誤。
//
// 注意：
//   不清理淘汰索引中的對應記錄 —— 索引容忍漂移，
//   孤兒記錄會在後續淘汰時一併消失。
func (e *Engine) Invalidate(ctx context.Context, pattern string) (int64, error) {
	keys, err := e.store.Scan(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("scan pattern %q: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	removed, err := e.store.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("delete matched keys: %w", err)
	}
	return removed, nil
}

// Snapshot 回傳當前統計（命中/未命中累計、兩個索引的即時數量）。
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	lruSize, err := e.lru.Size(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read lru index size: %w", err)
	}
	lfuSize, err := e.lfu.Size(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read lfu index size: %w", err)
	}

	return Snapshot{
		Hits:    e.stats.Hits(),
		Misses:  e.stats.Misses(),
		LRUSize: lruSize,
		LFUSize: lfuSize,
	}, nil
}

// lookup 查詢快取並反序列化。
//
// 所有失敗（儲存不可達、條目不存在、解碼失敗）一律視同未命中。
func (e *Engine) lookup(ctx context.Context, key string) (any, bool) {
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("cache lookup failed, treating as miss",
				"key", key,
				"error", err)
		}
		return nil, false
	}

	value, err := unmarshalValue(raw)
	if err != nil {
		e.logger.Warn("cache entry decode failed, treating as miss",
			"key", key,
			"error", err)
		return nil, false
	}
	return value, true
}

// fill 盡力將 loader 結果回填快取。
//
// 空值（nil）不快取；任何失敗只記錄日誌，不影響呼叫結果。
func (e *Engine) fill(ctx context.Context, key string, value any, ttl time.Duration) {
	if value == nil {
		return
	}

	encoded, err := marshalValue(value)
	if err != nil {
		e.logger.Warn("cache fill encode failed",
			"key", key,
			"error", err)
		return
	}
	if err := e.store.Set(ctx, key, encoded, ttl); err != nil {
		e.logger.Warn("cache fill failed",
			"key", key,
			"error", err)
	}
}

// marshalValue 將值序列化為儲存端的字串形式。
//
// 不變量：
//   序列化必須能無損往返（數字、巢狀結構），
//   供需要重新水合的策略使用。JSON 滿足此要求
//   （數字統一以 float64 水合）。
func marshalValue(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode cache value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue 從儲存端字串還原值。
func unmarshalValue(raw string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("decode cache value: %w", err)
	}
	return value, nil
}
