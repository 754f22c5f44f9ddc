package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-chat-cache/internal/store"
)

// dirtySetKey 記錄尚未持久化的快取鍵（髒標記集合）。
const dirtySetKey = "cache:dirty"

// DeferredWriter 實作 Write-Back 策略的非同步持久化機制。
//
// 策略說明：
//   寫入只更新快取並標記為髒，延遲一小段時間後
//   才非同步執行持久化，以寫入延遲換取吞吐。
//
// 執行流程：
//   1. 快取寫入完成後，鍵被加入髒集合（SADD cache:dirty）
//   2. 持久化函式排程在固定延遲後執行（timer queue）
//   3. 成功：移除髒標記（SREM）
//   4. 失敗：記錄日誌，保留髒標記（retry-by-presence）
//
// 刻意的取捨：
//   - 排程後不可取消：行程在延遲期間結束，該筆更新即遺失，
//     髒標記是唯一的持久痕跡（供帶外對帳使用，對帳不在本系統範圍）
//   - 失敗後沒有自動重試排程：髒標記的存在本身就是重試依據
//
// 適用場景：
//   - 可容忍少量遺失的寫入密集資料（訊息歸檔、統計）
//
// 不適用場景：
//   - 不能容忍資料遺失、需要強一致性
type DeferredWriter struct {
	store  store.Store
	delay  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDeferredWriter 建立延遲寫入器。
//
// 參數：
//   - delay：排程後到實際執行持久化的延遲（如 100ms～數秒）
func NewDeferredWriter(s store.Store, delay time.Duration, logger *slog.Logger) *DeferredWriter {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &DeferredWriter{
		store:  s,
		delay:  delay,
		logger: logger,
	}
}

// MarkDirty 將鍵加入髒集合。
func (w *DeferredWriter) MarkDirty(ctx context.Context, key string) error {
	_, err := w.store.SetAdd(ctx, dirtySetKey, key)
	return err
}

// Schedule 在固定延遲後執行持久化函式。
//
// 行為：
//   - 立即返回，不等待 persist 完成
//   - persist 成功：清除髒標記
//   - persist 失敗：記錄日誌，髒標記留在原地
//
// 注意：
//   執行時使用獨立的背景 context（非呼叫方的請求 context），
//   請求結束不應中斷已承諾的持久化。
func (w *DeferredWriter) Schedule(key string, persist func(ctx context.Context) error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("deferred writer closed, write dropped", "key", key)
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	time.AfterFunc(w.delay, func() {
		defer w.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := persist(ctx); err != nil {
			// 保留髒標記，等待帶外對帳
			w.logger.Error("deferred persist failed",
				"key", key,
				"error", err)
			return
		}

		if _, err := w.store.SetRem(ctx, dirtySetKey, key); err != nil {
			w.logger.Warn("failed to clear dirty marker",
				"key", key,
				"error", err)
		}
	})
}

// DirtyKeys 回傳當前所有髒鍵（用於監控與對帳）。
func (w *DeferredWriter) DirtyKeys(ctx context.Context) ([]string, error) {
	return w.store.SetMembers(ctx, dirtySetKey)
}

// DirtyCount 回傳髒鍵數量。
func (w *DeferredWriter) DirtyCount(ctx context.Context) (int64, error) {
	return w.store.SetCard(ctx, dirtySetKey)
}

// Close 停止接受新排程，並等待已排程的持久化完成。
//
// 用於優雅關閉：給已承諾的寫入最後一次落地機會。
func (w *DeferredWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.wg.Wait()
}
