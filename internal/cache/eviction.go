package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koopa0/system-design/14-chat-cache/internal/store"
)

// 淘汰索引的 sorted set 鍵，每種策略一個。
const (
	lruIndexKey = "cache:lru-index"
	lfuIndexKey = "cache:lfu-index"
)

// Policy 是快取淘汰策略。
type Policy string

const (
	// PolicyLRU 淘汰最久未使用的鍵（分數 = 最後存取時間）。
	PolicyLRU Policy = "lru"

	// PolicyLFU 淘汰使用頻率最低的鍵（分數 = 累計存取次數）。
	PolicyLFU Policy = "lfu"
)

// EvictionIndex 以 sorted set 實作 LRU / LFU 淘汰記帳。
//
// 系統設計問題：
//   傳統 LRU/LFU 用行程內的雙向鏈結串列 + HashMap 實作，
//   但快取本體在遠端儲存，多個服務實例共用，
//   行程內結構無法跨實例共享淘汰狀態。
//
// 設計方案：
//   ✅ Sorted set 作為分數索引 - 天然支援「最低分數成員」查詢
//   ✅ LRU 分數 = 存取時間戳（單鍵單調遞增）
//   ✅ LFU 分數 = 存取次數（ZINCRBY 原子遞增）
//   ✅ ZADD upsert 語意 - 重複設定同鍵只更新分數，不產生重複記錄
//
// 不變量：
//   快取條目與索引記錄一一對應 —— 成功的 set 不留下未索引的條目，
//   成功的淘汰不留下孤兒索引記錄。索引視為建議性質，
//   發現漂移時容忍而非崩潰（見錯誤處理）。
//
// 併發注意：
//   容量檢查（ZCARD）與後續的淘汰、寫入是多次獨立的儲存往返，
//   整體不具原子性。兩個併發寫入者可能同時觀察到「已滿」
//   而各淘汰一個，或同時插入導致短暫超過 maxSize。
//   這是刻意保留的已知競態：maxSize 是單寫入者視角的上界，
//   對併發寫入者只是建議值，不以額外鎖修復。
type EvictionIndex struct {
	store    store.Store
	policy   Policy
	indexKey string

	// now 可替換以便測試控制時間（預設 time.Now）。
	now func() time.Time
}

// NewEvictionIndex 建立指定策略的淘汰索引。
func NewEvictionIndex(s store.Store, policy Policy) *EvictionIndex {
	indexKey := lruIndexKey
	if policy == PolicyLFU {
		indexKey = lfuIndexKey
	}
	return &EvictionIndex{
		store:    s,
		policy:   policy,
		indexKey: indexKey,
		now:      time.Now,
	}
}

// Set 寫入快取條目並維護索引，超過容量時淘汰一個犧牲者。
//
// 執行流程：
//   1. 若鍵尚未在索引中且索引數量 >= maxSize：淘汰最低分數成員
//   2. 序列化並寫入快取條目（含 ttl）
//   3. 更新索引分數：
//      - LRU：分數 = 當前時間（upsert）
//      - LFU：分數 = 1（重設，不從舊值遞增）
//
// 邊界情況：
//   - 鍵已存在於索引：就地更新分數，不觸發淘汰
//   - maxSize <= 0：不設上界
func (ix *EvictionIndex) Set(ctx context.Context, key string, value any, ttl time.Duration, maxSize int64) error {
	if maxSize > 0 {
		// 已索引的鍵只是就地更新，不佔用新名額
		_, err := ix.store.ZScore(ctx, ix.indexKey, key)
		indexed := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check index membership: %w", err)
		}

		if !indexed {
			size, err := ix.store.ZCard(ctx, ix.indexKey)
			if err != nil {
				return fmt.Errorf("read index size: %w", err)
			}
			if size >= maxSize {
				if err := ix.evictOne(ctx); err != nil {
					return err
				}
			}
		}
	}

	encoded, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ix.store.Set(ctx, key, encoded, ttl); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	score := float64(1)
	if ix.policy == PolicyLRU {
		score = timeScore(ix.now())
	}
	if err := ix.store.ZAdd(ctx, ix.indexKey, key, score); err != nil {
		return fmt.Errorf("update eviction index: %w", err)
	}
	return nil
}

// Get 讀取快取條目，命中時刷新索引分數。
//
// 行為：
//   - 命中且已在索引：LRU 以 ZADD 更新為當前時間，LFU 以 ZINCRBY +1
//   - 命中但不在索引：只回傳值，不隱式加入索引
//     （條目可能來自其他策略的寫入，不該被這裡的淘汰策略接管）
//   - 未命中：回傳 (nil, false)
//
// 錯誤處理：
//   索引刷新失敗不影響回傳值（索引是建議性質，容忍漂移）。
func (ix *EvictionIndex) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := ix.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	value, err := unmarshalValue(raw)
	if err != nil {
		// 反序列化失敗視同未命中
		return nil, false, nil
	}

	// 索引刷新失敗不影響命中結果（索引容忍漂移）
	if _, err := ix.store.ZScore(ctx, ix.indexKey, key); err == nil {
		if ix.policy == PolicyLRU {
			_ = ix.store.ZAdd(ctx, ix.indexKey, key, timeScore(ix.now()))
		} else {
			_, _ = ix.store.ZIncrBy(ctx, ix.indexKey, key, 1)
		}
	}

	return value, true, nil
}

// Size 回傳索引當前數量。
func (ix *EvictionIndex) Size(ctx context.Context) (int64, error) {
	return ix.store.ZCard(ctx, ix.indexKey)
}

// evictOne 淘汰分數最低的單一成員。
//
// 平手規則：
//   多個成員同分時，依儲存端在相同分數下的自然排序
//   （Redis：成員字典序）挑選第一個，每次溢出只淘汰一個。
//
// 邊界情況：
//   索引為空時是 no-op。
func (ix *EvictionIndex) evictOne(ctx context.Context) error {
	victims, err := ix.store.ZRangeWithScores(ctx, ix.indexKey, 0, 0)
	if err != nil {
		return fmt.Errorf("find eviction victim: %w", err)
	}
	if len(victims) == 0 {
		return nil
	}

	victim := victims[0].Name
	if _, err := ix.store.Del(ctx, victim); err != nil {
		return fmt.Errorf("evict cache entry %q: %w", victim, err)
	}
	if _, err := ix.store.ZRem(ctx, ix.indexKey, victim); err != nil {
		return fmt.Errorf("remove index record %q: %w", victim, err)
	}
	return nil
}

// timeScore 將時間轉為索引分數。
//
// 使用微秒而非奈秒：
//   float64 的 53 位尾數放不下奈秒級 Unix 時間戳，
//   會在儲存端被截斷出現亂序；微秒級可精確表示。
func timeScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}
