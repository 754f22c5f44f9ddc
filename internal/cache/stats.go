package cache

import "sync/atomic"

// Stats 是快取命中統計收集器。
//
// 設計考量：
//
//  1. 為什麼是可注入的實例而非套件層級變數？
//     - 測試可為每個案例注入全新的收集器
//     - 多個 Engine 實例可共用或隔離統計
//     - 避免隱式全域狀態（依賴注入原則）
//
//  2. 為什麼用 atomic 而非 mutex？
//     - 只有獨立的計數器遞增，無複合操作
//     - 讀取策略在熱路徑上，atomic 開銷最小
//
//  3. 定位：
//     僅作為觀測用途的概略值，不參與淘汰決策，
//     也不持久化（行程重啟歸零）。
type Stats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// NewStats 建立統計收集器。
func NewStats() *Stats {
	return &Stats{}
}

// Hit 記錄一次快取命中。
func (s *Stats) Hit() {
	s.hits.Add(1)
}

// Miss 記錄一次快取未命中。
func (s *Stats) Miss() {
	s.misses.Add(1)
}

// Hits 回傳累計命中數。
func (s *Stats) Hits() int64 {
	return s.hits.Load()
}

// Misses 回傳累計未命中數。
func (s *Stats) Misses() int64 {
	return s.misses.Load()
}

// Snapshot 是某一時刻的快取統計。
//
// LRUSize / LFUSize 來自淘汰索引的即時數量，
// 與 Hits / Misses 的讀取之間沒有一致性保證。
type Snapshot struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	LRUSize int64 `json:"lru_size"`
	LFUSize int64 `json:"lfu_size"`
}
