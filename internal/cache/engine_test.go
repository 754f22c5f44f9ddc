package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-chat-cache/internal/store"
	"github.com/koopa0/system-design/14-chat-cache/internal/testutils"
)

// newTestEngine 建立接在 MockStore 上的引擎（write-back 延遲縮到最短）
func newTestEngine(t *testing.T) (*Engine, *testutils.MockStore, *DeferredWriter) {
	t.Helper()

	mock := testutils.NewMockStore()
	logger := testutils.NewTestLogger()
	writer := NewDeferredWriter(mock, time.Millisecond, logger)
	engine := NewEngine(mock, NewStats(), writer, logger)
	return engine, mock, writer
}

// TestCacheAside 測試旁路快取的讀取語意
func TestCacheAside(t *testing.T) {
	ctx := context.Background()

	t.Run("miss loads then hit suppresses loader", func(t *testing.T) {
		engine, _, _ := newTestEngine(t)

		loaderCalls := 0
		loader := func(ctx context.Context) (any, error) {
			loaderCalls++
			return map[string]any{"name": "general"}, nil
		}

		// 第一次：未命中，走 loader 並回填
		value, err := engine.CacheAside(ctx, "cache:room:1:info", time.Minute, loader)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "general"}, value)
		assert.Equal(t, 1, loaderCalls)

		// 第二次：命中，loader 不得再被呼叫
		value, err = engine.CacheAside(ctx, "cache:room:1:info", time.Minute, loader)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "general"}, value)
		assert.Equal(t, 1, loaderCalls)

		snapshot, err := engine.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), snapshot.Hits)
		assert.Equal(t, int64(1), snapshot.Misses)
	})

	t.Run("loader error propagates and nothing is cached", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		loadErr := errors.New("authority down")
		_, err := engine.CacheAside(ctx, "cache:k", time.Minute, func(ctx context.Context) (any, error) {
			return nil, loadErr
		})
		require.ErrorIs(t, err, loadErr)

		_, err = mock.Get(ctx, "cache:k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("cache failure degrades to loader", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		mock.ShouldFailNext = true
		mock.FailError = errors.New("connection refused")

		value, err := engine.CacheAside(ctx, "cache:k", time.Minute, func(ctx context.Context) (any, error) {
			return "loaded", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "loaded", value)
	})

	t.Run("corrupt cache entry treated as miss", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		require.NoError(t, mock.Set(ctx, "cache:k", "{not json", time.Minute))

		value, err := engine.CacheAside(ctx, "cache:k", time.Minute, func(ctx context.Context) (any, error) {
			return "reloaded", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "reloaded", value)
	})

	t.Run("nil loader result is not cached", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		value, err := engine.CacheAside(ctx, "cache:k", time.Minute, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, value)

		_, err = mock.Get(ctx, "cache:k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// TestReadThrough 測試讀穿透對呼叫方的行為與旁路快取一致
func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	loaderCalls := 0
	loader := func(ctx context.Context) (any, error) {
		loaderCalls++
		return []any{"alice", "bob"}, nil
	}

	first, err := engine.ReadThrough(ctx, "cache:room:1:online", time.Minute, loader)
	require.NoError(t, err)

	second, err := engine.ReadThrough(ctx, "cache:room:1:online", time.Minute, loader)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, loaderCalls)
}

// TestWriteThrough 測試寫穿透的順序與失敗語意
func TestWriteThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("persist result lands in cache", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		// persist 補上轉換後的欄位，快取必須存持久化結果而非原始輸入
		persisted, err := engine.WriteThrough(ctx, "cache:k", map[string]any{"text": "hi"}, time.Minute,
			func(ctx context.Context, value any) (any, error) {
				return map[string]any{"text": "hi", "id": "m-1"}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"text": "hi", "id": "m-1"}, persisted)

		raw, err := mock.Get(ctx, "cache:k")
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"hi","id":"m-1"}`, raw)
	})

	t.Run("persist failure leaves no phantom entry", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		persistErr := errors.New("constraint violation")
		_, err := engine.WriteThrough(ctx, "cache:k", "value", time.Minute,
			func(ctx context.Context, value any) (any, error) {
				return nil, persistErr
			})
		require.ErrorIs(t, err, persistErr)

		_, err = mock.Get(ctx, "cache:k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("cache fill failure is tolerated", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		// persist 成功後快取寫入失敗：呼叫仍然成功
		mock.ShouldFailNext = true
		mock.FailError = errors.New("connection reset")

		persisted, err := engine.WriteThrough(ctx, "cache:k", "value", time.Minute,
			func(ctx context.Context, value any) (any, error) {
				return value, nil
			})
		require.NoError(t, err)
		assert.Equal(t, "value", persisted)
	})
}

// TestWriteAround 測試繞寫的失效語意
func TestWriteAround(t *testing.T) {
	ctx := context.Background()

	t.Run("stale entry is invalidated", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		require.NoError(t, mock.Set(ctx, "cache:k", `"stale"`, time.Minute))

		_, err := engine.WriteAround(ctx, "cache:k", "fresh",
			func(ctx context.Context, value any) (any, error) {
				return value, nil
			})
		require.NoError(t, err)

		// 寫入後下一次讀取保證未命中
		_, err = mock.Get(ctx, "cache:k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("persist failure keeps existing entry", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		require.NoError(t, mock.Set(ctx, "cache:k", `"old"`, time.Minute))

		_, err := engine.WriteAround(ctx, "cache:k", "new",
			func(ctx context.Context, value any) (any, error) {
				return nil, errors.New("disk full")
			})
		require.Error(t, err)

		raw, err := mock.Get(ctx, "cache:k")
		require.NoError(t, err)
		assert.Equal(t, `"old"`, raw)
	})
}

// TestWriteBack 測試寫回的立即返回與延遲持久化
func TestWriteBack(t *testing.T) {
	ctx := context.Background()

	t.Run("cached immediately and persisted after delay", func(t *testing.T) {
		engine, mock, writer := newTestEngine(t)

		persisted := make(chan struct{})
		value, err := engine.WriteBack(ctx, "cache:message:m-1", "hello", time.Minute,
			func(ctx context.Context, value any) (any, error) {
				close(persisted)
				return value, nil
			})
		require.NoError(t, err)
		assert.Equal(t, "hello", value)

		// 快取立即可見
		raw, err := mock.Get(ctx, "cache:message:m-1")
		require.NoError(t, err)
		assert.Equal(t, `"hello"`, raw)

		// 持久化前是髒的
		count, err := writer.DirtyCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		select {
		case <-persisted:
		case <-time.After(time.Second):
			t.Fatal("deferred persist never ran")
		}

		// 持久化成功後髒標記被清除
		testutils.WaitForCondition(t, func() bool {
			count, err := writer.DirtyCount(ctx)
			return err == nil && count == 0
		}, time.Second, "dirty marker cleared after persist")
	})

	t.Run("persist failure keeps dirty marker", func(t *testing.T) {
		engine, _, writer := newTestEngine(t)

		done := make(chan struct{})
		_, err := engine.WriteBack(ctx, "cache:message:m-2", "hello", time.Minute,
			func(ctx context.Context, value any) (any, error) {
				close(done)
				return nil, errors.New("archive down")
			})
		require.NoError(t, err)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("deferred persist never ran")
		}
		writer.Close()

		// 髒標記留在原地，供帶外對帳
		keys, err := writer.DirtyKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"cache:message:m-2"}, keys)
	})

	t.Run("cache write failure is fatal", func(t *testing.T) {
		engine, mock, _ := newTestEngine(t)

		mock.ShouldFailNext = true
		mock.FailError = errors.New("out of memory")

		_, err := engine.WriteBack(ctx, "cache:k", "hello", time.Minute,
			func(ctx context.Context, value any) (any, error) {
				t.Fatal("persist must not run when cache write fails")
				return nil, nil
			})
		require.Error(t, err)
	})
}

// TestInvalidate 測試樣式失效
func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	engine, mock, _ := newTestEngine(t)

	require.NoError(t, mock.Set(ctx, "cache:room:42:info", `{}`, 0))
	require.NoError(t, mock.Set(ctx, "cache:room:42:messages", `[]`, 0))
	require.NoError(t, mock.Set(ctx, "cache:room:7:info", `{}`, 0))

	// 只刪除符合樣式的鍵
	removed, err := engine.Invalidate(ctx, "cache:room:42:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// 其他房間的快取不受影響
	_, err = mock.Get(ctx, "cache:room:7:info")
	assert.NoError(t, err)

	// 再次失效：無符合的鍵回傳 0，不是錯誤
	removed, err = engine.Invalidate(ctx, "cache:room:42:*")
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

// TestValueRoundTrip 測試快取條目的序列化往返
func TestValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	original := map[string]any{
		"id":    "m-1",
		"score": 42.5,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"depth": float64(2)},
	}

	_, err := engine.CacheAside(ctx, "cache:k", time.Minute, func(ctx context.Context) (any, error) {
		return original, nil
	})
	require.NoError(t, err)

	// 命中路徑讀回的值與原值等價（數字以 float64 水合）
	value, err := engine.CacheAside(ctx, "cache:k", time.Minute, func(ctx context.Context) (any, error) {
		t.Fatal("loader must not run on hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, original, value)
}

// TestSnapshot 測試統計快照
func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	require.NoError(t, engine.LRUSet(ctx, "a", 1, 0, 10))
	require.NoError(t, engine.LFUSet(ctx, "b", 2, 0, 10))
	require.NoError(t, engine.LFUSet(ctx, "c", 3, 0, 10))

	snapshot, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.LRUSize)
	assert.Equal(t, int64(2), snapshot.LFUSize)
}
