package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-chat-cache/internal/testutils"
)

func newTestWriter(t *testing.T) (*DeferredWriter, *testutils.MockStore) {
	t.Helper()

	mock := testutils.NewMockStore()
	return NewDeferredWriter(mock, time.Millisecond, testutils.NewTestLogger()), mock
}

// TestDeferredWriter_MarkDirty 測試髒標記的新增與查詢
func TestDeferredWriter_MarkDirty(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t)

	require.NoError(t, writer.MarkDirty(ctx, "cache:message:m-1"))
	require.NoError(t, writer.MarkDirty(ctx, "cache:message:m-2"))
	// 重複標記是冪等的
	require.NoError(t, writer.MarkDirty(ctx, "cache:message:m-1"))

	count, err := writer.DirtyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	keys, err := writer.DirtyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:message:m-1", "cache:message:m-2"}, keys)
}

// TestDeferredWriter_SuccessClearsMarker 測試持久化成功後清除髒標記
func TestDeferredWriter_SuccessClearsMarker(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t)

	require.NoError(t, writer.MarkDirty(ctx, "k"))

	var persists atomic.Int32
	writer.Schedule("k", func(ctx context.Context) error {
		persists.Add(1)
		return nil
	})

	// Close 等待所有已排程的持久化完成
	writer.Close()

	assert.Equal(t, int32(1), persists.Load())

	count, err := writer.DirtyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// TestDeferredWriter_FailureKeepsMarker 測試持久化失敗保留髒標記
func TestDeferredWriter_FailureKeepsMarker(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t)

	require.NoError(t, writer.MarkDirty(ctx, "k"))

	writer.Schedule("k", func(ctx context.Context) error {
		return errors.New("archive down")
	})
	writer.Close()

	// 失敗不清標記：髒標記的存在就是重試依據
	keys, err := writer.DirtyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

// TestDeferredWriter_ClosedDropsSchedule 測試關閉後拒絕新排程
func TestDeferredWriter_ClosedDropsSchedule(t *testing.T) {
	writer, _ := newTestWriter(t)
	writer.Close()

	var persists atomic.Int32
	writer.Schedule("k", func(ctx context.Context) error {
		persists.Add(1)
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), persists.Load())
}

// TestDeferredWriter_ConcurrentSchedule 測試並發排程全部執行
func TestDeferredWriter_ConcurrentSchedule(t *testing.T) {
	writer, _ := newTestWriter(t)

	var persists atomic.Int32
	testutils.RunConcurrently(t, 8, 10, func(workerID, iteration int) {
		writer.Schedule("k", func(ctx context.Context) error {
			persists.Add(1)
			return nil
		})
	})

	writer.Close()
	assert.Equal(t, int32(80), persists.Load())
}
