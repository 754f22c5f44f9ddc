// Package chat 實作聊天領域：房間、訊息、在線狀態、排行榜。
//
// 系統設計問題：
//   聊天是典型的讀多寫少場景（房間資訊、近期訊息被反覆讀取），
//   如何用鍵值結構組合出領域模型，並讓讀取路徑吃到快取？
//
// 設計方案：
//   ✅ 房間 = 雜湊（room:{id}）+ 集合（rooms）
//   ✅ 訊息 = 列表熱窗口（room:{id}:messages）+ PostgreSQL 歸檔
//   ✅ 在線 = 集合（room:{id}:online}）
//   ✅ 排行榜 = 有序集合（leaderboard）
//   ✅ 讀取走快取策略、寫入直接落鍵值儲存或經寫入策略
//
// 快取鍵命名：
//   衍生快取一律以 cache: 為前綴（cache:room:{id}:info ...），
//   與權威資料的鍵空間分離，樣式失效不會誤刪權威資料。
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-chat-cache/internal/cache"
	"github.com/koopa0/system-design/14-chat-cache/internal/store"
	apperrors "github.com/koopa0/system-design/14-chat-cache/pkg/errors"
)

// Room 聊天房間。
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Message 聊天訊息。
type Message struct {
	ID     string    `json:"id"`
	RoomID string    `json:"room_id"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Rank 排行榜名次。
type Rank struct {
	UserID string  `json:"user_id"`
	Score  float64 `json:"score"`
}

// Options 聊天服務的配置。
//
// 行程啟動時建構一次並傳入 NewService（依賴注入，不用全域狀態）。
type Options struct {
	// CacheTTL 衍生快取的過期時間
	CacheTTL time.Duration

	// RecentWindow 每個房間保留的熱訊息數量
	RecentWindow int64

	// LeaderboardSize 排行榜回傳的名次數量
	LeaderboardSize int64

	// MaxCachedEntries LRU / LFU 受控快取的容量上界
	MaxCachedEntries int64
}

// Service 聊天領域服務。
//
// 讀取委派給快取引擎（策略呼叫），寫入直接操作鍵值儲存
// 或經由寫入策略落到權威儲存（訊息歸檔）。
type Service struct {
	store   store.Store
	cache   *cache.Engine
	archive MessageArchive
	opts    Options
	logger  *slog.Logger
}

// NewService 建立聊天服務。
func NewService(s store.Store, engine *cache.Engine, archive MessageArchive, opts Options, logger *slog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 100
	}
	if opts.LeaderboardSize <= 0 {
		opts.LeaderboardSize = 10
	}
	if opts.MaxCachedEntries <= 0 {
		opts.MaxCachedEntries = 1000
	}
	return &Service{
		store:   s,
		cache:   engine,
		archive: archive,
		opts:    opts,
		logger:  logger,
	}
}

// 鍵命名輔助函式。
func roomKey(roomID string) string         { return "room:" + roomID }
func roomMessagesKey(roomID string) string { return "room:" + roomID + ":messages" }
func roomOnlineKey(roomID string) string   { return "room:" + roomID + ":online" }

func cacheRoomInfoKey(roomID string) string     { return "cache:room:" + roomID + ":info" }
func cacheRoomMessagesKey(roomID string) string { return "cache:room:" + roomID + ":messages" }

const (
	roomsSetKey          = "rooms"
	leaderboardKey       = "leaderboard"
	cacheLeaderboardKey  = "cache:leaderboard:top"
	presenceCacheTTL     = 30 * time.Second
	recentMessagesTTL    = 30 * time.Second
)

// CreateRoom 建立房間。
//
// 寫入路徑（write-around）：
//   1. 權威寫入：房間雜湊 + 房間集合
//   2. 失效既有的房間資訊快取（而非填充）
//   下一次 RoomInfo 讀取保證未命中後重載，避免寫讀互相覆蓋。
func (s *Service) CreateRoom(ctx context.Context, name, owner string) (*Room, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "room name required")
	}
	if owner == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "room owner required")
	}

	room := &Room{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.cache.WriteAround(ctx, cacheRoomInfoKey(room.ID), room,
		func(ctx context.Context, value any) (any, error) {
			fields := map[string]string{
				"name":       room.Name,
				"owner":      room.Owner,
				"created_at": room.CreatedAt.Format(time.RFC3339Nano),
			}
			if err := s.store.HSet(ctx, roomKey(room.ID), fields); err != nil {
				return nil, err
			}
			if _, err := s.store.SetAdd(ctx, roomsSetKey, room.ID); err != nil {
				return nil, err
			}
			return value, nil
		})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "create room")
	}

	return room, nil
}

// RoomInfo 讀取房間資訊。
//
// 讀取路徑（cache-aside）：
//   命中直接返回；未命中從房間雜湊載入並回填快取。
func (s *Service) RoomInfo(ctx context.Context, roomID string) (*Room, error) {
	value, err := s.cache.CacheAside(ctx, cacheRoomInfoKey(roomID), s.opts.CacheTTL,
		func(ctx context.Context) (any, error) {
			fields, err := s.store.HGetAll(ctx, roomKey(roomID))
			if err != nil {
				return nil, err
			}
			createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
			return &Room{
				ID:        roomID,
				Name:      fields["name"],
				Owner:     fields["owner"],
				CreatedAt: createdAt,
			}, nil
		})
	if err != nil {
		if isNotFound(err) {
			return nil, apperrors.New(apperrors.ErrCodeNotFound, "room not found")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load room")
	}

	var room Room
	if err := rehydrate(value, &room); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode room")
	}
	return &room, nil
}

// UpdateRoom 更新房間名稱。
//
// 寫入路徑（write-through）：
//   1. 權威寫入：更新房間雜湊的 name 欄位
//   2. 成功後以持久化結果直接填充房間資訊快取
//   改名後的第一次讀取立即命中新值；權威寫入失敗則不碰快取。
func (s *Service) UpdateRoom(ctx context.Context, roomID, name string) (*Room, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "room name required")
	}

	exists, err := s.store.Exists(ctx, roomKey(roomID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "check room")
	}
	if !exists {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "room not found")
	}

	fields, err := s.store.HGetAll(ctx, roomKey(roomID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load room")
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	room := &Room{
		ID:        roomID,
		Name:      name,
		Owner:     fields["owner"],
		CreatedAt: createdAt,
	}

	value, err := s.cache.WriteThrough(ctx, cacheRoomInfoKey(roomID), room, s.opts.CacheTTL,
		func(ctx context.Context, value any) (any, error) {
			if err := s.store.HSet(ctx, roomKey(roomID), map[string]string{"name": name}); err != nil {
				return nil, err
			}
			return value, nil
		})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "update room")
	}

	var updated Room
	if err := rehydrate(value, &updated); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode room")
	}
	return &updated, nil
}

// ListRooms 列出所有房間的 ID。
func (s *Service) ListRooms(ctx context.Context) ([]string, error) {
	ids, err := s.store.SetMembers(ctx, roomsSetKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "list rooms")
	}
	return ids, nil
}

// rehydrate 將快取層返回的泛型值還原為具體型別。
//
// 快取命中的值是 JSON 水合後的 map[string]any，
// 透過再一次編解碼還原（序列化無損往返是快取條目的不變量）。
func rehydrate(value, target any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("re-encode cached value: %w", err)
	}
	return json.Unmarshal(data, target)
}

// isNotFound 檢查錯誤鏈是否源自鍵不存在。
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
