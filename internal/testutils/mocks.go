package testutils

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-chat-cache/internal/store"
)

// MockStore 實作 store.Store 介面的記憶體 mock
//
// 用途：
//   讓快取引擎與聊天領域的測試不依賴真實 Redis。
//   行為對齊 Redis 語意：不存在回傳 store.ErrNotFound、
//   sorted set 同分時按成員字典序、鍵過期後視同不存在。
type MockStore struct {
	mu      sync.RWMutex
	strings map[string]mockEntry
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64

	// 記錄呼叫次數
	GetCalls  atomic.Int32
	SetCalls  atomic.Int32
	DelCalls  atomic.Int32
	ScanCalls atomic.Int32

	// 錯誤注入：下一次任意操作回傳 FailError
	ShouldFailNext bool
	FailError      error

	// Now 可替換以測試過期行為
	Now func() time.Time
}

type mockEntry struct {
	value    string
	deadline time.Time // 零值表示不過期
}

// NewMockStore 創建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		strings: make(map[string]mockEntry),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		Now:     time.Now,
	}
}

// failNext 消耗一次錯誤注入
func (m *MockStore) failNext() error {
	if m.ShouldFailNext {
		m.ShouldFailNext = false
		return m.FailError
	}
	return nil
}

// expired 檢查字串鍵是否已過期（呼叫方需持有鎖）
func (m *MockStore) expired(key string) bool {
	entry, ok := m.strings[key]
	if !ok {
		return false
	}
	if entry.deadline.IsZero() {
		return false
	}
	return m.Now().After(entry.deadline)
}

// Get 讀取字串值
func (m *MockStore) Get(ctx context.Context, key string) (string, error) {
	m.GetCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return "", err
	}

	if m.expired(key) {
		delete(m.strings, key)
	}
	entry, ok := m.strings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return entry.value, nil
}

// Set 寫入字串值
func (m *MockStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.SetCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return err
	}

	entry := mockEntry{value: value}
	if ttl > 0 {
		entry.deadline = m.Now().Add(ttl)
	}
	m.strings[key] = entry
	return nil
}

// Incr 原子加一
func (m *MockStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.incrBy(key, 1)
}

// Decr 原子減一
func (m *MockStore) Decr(ctx context.Context, key string) (int64, error) {
	return m.incrBy(key, -1)
}

func (m *MockStore) incrBy(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}

	current := int64(0)
	if entry, ok := m.strings[key]; ok {
		n, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	m.strings[key] = mockEntry{value: strconv.FormatInt(current, 10)}
	return current, nil
}

// HSet 設定雜湊欄位
func (m *MockStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return err
	}

	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	for field, value := range fields {
		m.hashes[key][field] = value
	}
	return nil
}

// HGetAll 讀取雜湊所有欄位
func (m *MockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fields, ok := m.hashes[key]
	if !ok || len(fields) == 0 {
		return nil, store.ErrNotFound
	}

	out := make(map[string]string, len(fields))
	for field, value := range fields {
		out[field] = value
	}
	return out, nil
}

// ListPush 推入列表尾端
func (m *MockStore) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}

	m.lists[key] = append(m.lists[key], values...)
	return int64(len(m.lists[key])), nil
}

// ListPop 從列表頭端彈出
func (m *MockStore) ListPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 {
		return "", store.ErrNotFound
	}
	head := list[0]
	m.lists[key] = list[1:]
	return head, nil
}

// ListRange 讀取列表區間（Redis LRANGE 語意，含負索引）
func (m *MockStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	from, to, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return []string{}, nil
	}

	out := make([]string, to-from+1)
	copy(out, list[from:to+1])
	return out, nil
}

// ListLen 回傳列表長度
func (m *MockStore) ListLen(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lists[key])), nil
}

// ListTrim 裁剪列表
func (m *MockStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	from, to, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = append([]string(nil), list[from:to+1]...)
	return nil
}

// SetAdd 加入集合成員
func (m *MockStore) SetAdd(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}

	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	added := int64(0)
	for _, member := range members {
		if _, ok := m.sets[key][member]; !ok {
			m.sets[key][member] = struct{}{}
			added++
		}
	}
	return added, nil
}

// SetRem 移除集合成員
func (m *MockStore) SetRem(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}

	removed := int64(0)
	for _, member := range members {
		if _, ok := m.sets[key][member]; ok {
			delete(m.sets[key], member)
			removed++
		}
	}
	return removed, nil
}

// SetMembers 回傳集合所有成員
func (m *MockStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SetIsMember 檢查集合成員
func (m *MockStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sets[key][member]
	return ok, nil
}

// SetCard 回傳集合成員數
func (m *MockStore) SetCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.sets[key])), nil
}

// ZAdd 新增或更新有序集合成員
func (m *MockStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return err
	}

	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

// ZIncrBy 增加成員分數
func (m *MockStore) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}

	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] += increment
	return m.zsets[key][member], nil
}

// ZRem 移除有序集合成員
func (m *MockStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := int64(0)
	for _, member := range members {
		if _, ok := m.zsets[key][member]; ok {
			delete(m.zsets[key], member)
			removed++
		}
	}
	return removed, nil
}

// ZCard 回傳有序集合成員數
func (m *MockStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.zsets[key])), nil
}

// ZScore 讀取成員分數
func (m *MockStore) ZScore(ctx context.Context, key, member string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score, ok := m.zsets[key][member]
	if !ok {
		return 0, store.ErrNotFound
	}
	return score, nil
}

// ZRangeWithScores 依分數由低到高讀取
func (m *MockStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sliceMembers(m.sorted(key), start, stop), nil
}

// ZRevRangeWithScores 依分數由高到低讀取
func (m *MockStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.sorted(key)
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	return sliceMembers(members, start, stop), nil
}

// Exists 檢查鍵是否存在（任一資料型別）
func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expired(key) {
		delete(m.strings, key)
	}
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if len(m.hashes[key]) > 0 || len(m.lists[key]) > 0 ||
		len(m.sets[key]) > 0 || len(m.zsets[key]) > 0 {
		return true, nil
	}
	return false, nil
}

// TTL 回傳剩餘存活時間
func (m *MockStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expired(key) {
		delete(m.strings, key)
	}
	entry, ok := m.strings[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	if entry.deadline.IsZero() {
		return -1, nil
	}
	return entry.deadline.Sub(m.Now()), nil
}

// Del 刪除多個鍵
func (m *MockStore) Del(ctx context.Context, keys ...string) (int64, error) {
	m.DelCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}

	removed := int64(0)
	for _, key := range keys {
		found := false
		if _, ok := m.strings[key]; ok {
			delete(m.strings, key)
			found = true
		}
		if _, ok := m.hashes[key]; ok {
			delete(m.hashes, key)
			found = true
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			found = true
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			found = true
		}
		if _, ok := m.zsets[key]; ok {
			delete(m.zsets, key)
			found = true
		}
		if found {
			removed++
		}
	}
	return removed, nil
}

// Scan 列舉符合 glob 樣式的所有鍵
func (m *MockStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.ScanCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for key := range m.strings {
		if m.expired(key) {
			delete(m.strings, key)
			continue
		}
		seen[key] = struct{}{}
	}
	for key := range m.hashes {
		seen[key] = struct{}{}
	}
	for key := range m.lists {
		seen[key] = struct{}{}
	}
	for key := range m.sets {
		seen[key] = struct{}{}
	}
	for key := range m.zsets {
		seen[key] = struct{}{}
	}

	var keys []string
	for key := range seen {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// sorted 回傳分數由低到高的成員（同分按字典序，對齊 Redis）
func (m *MockStore) sorted(key string) []store.Member {
	members := make([]store.Member, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		members = append(members, store.Member{Name: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Name < members[j].Name
	})
	return members
}

// sliceMembers 套用 Redis 的含端點區間語意（支援負索引）
func sliceMembers(members []store.Member, start, stop int64) []store.Member {
	from, to, ok := normalizeRange(start, stop, int64(len(members)))
	if !ok {
		return []store.Member{}
	}
	out := make([]store.Member, to-from+1)
	copy(out, members[from:to+1])
	return out
}

// normalizeRange 將 Redis 風格的 (start, stop) 轉為切片索引
func normalizeRange(start, stop, length int64) (from, to int64, ok bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop, true
}
