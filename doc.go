// Package chatcache 實現了一個展示快取策略的聊天室服務。
//
// 以聊天室為載體，完整示範五種快取策略與兩種淘汰策略，
// 所有策略共用同一個外部 KV 儲存（Redis），訊息歸檔落地 PostgreSQL。
//
// # 快取策略
//
// 讀取路徑：
//   - Cache-Aside：呼叫端視角的旁路快取，未命中時載入並回填
//   - Read-Through：由快取引擎代為載入，對外行為與 Cache-Aside 一致
//
// 寫入路徑：
//   - Write-Through：先持久化，成功後才寫入快取（強一致）
//   - Write-Around：持久化後使快取失效，冷資料不汙染快取
//   - Write-Back：先寫快取並標記髒資料，延遲異步持久化（低延遲）
//
// # 淘汰策略
//
// 透過 Redis Sorted Set 維護淘汰索引：
//   - LRU：分數為最後存取時間，淘汰最久未使用的鍵
//   - LFU：分數為存取次數，淘汰使用頻率最低的鍵
//
// # 聊天功能
//
// 每個快取策略都綁定一個真實的聊天場景：
//   - 房間資訊（Cache-Aside）
//   - 近期訊息視窗與在線名單（Read-Through）
//   - 房間創建（Write-Around）
//   - 訊息發送與歸檔（Write-Back）
//   - 活躍度排行榜（Read-Through + ZINCRBY）
//
// 啟動服務器：
//
//	go run ./cmd/server
package chatcache
