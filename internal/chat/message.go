package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-chat-cache/pkg/errors"
)

// SendMessage 發送訊息。
//
// 寫入路徑：
//   1. 推入房間熱窗口列表（RPUSH）並裁剪到固定長度（LTRIM）
//   2. write-back 歸檔：立即返回快取副本，
//      PostgreSQL 寫入延遲非同步執行，失敗留髒標記
//   3. 失效近期訊息快取，下一次讀取重建窗口
//
// 為什麼訊息用 write-back？
//   訊息發送在延遲上最敏感（使用者正在等），
//   而歸檔遺失單筆訊息可容忍（熱窗口仍在列表中）。
func (s *Service) SendMessage(ctx context.Context, roomID, sender, text string) (*Message, error) {
	if sender == "" || text == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "sender and text required")
	}
	if _, err := s.RoomInfo(ctx, roomID); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Sender: sender,
		Text:   text,
		SentAt: time.Now().UTC(),
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode message")
	}

	listKey := roomMessagesKey(roomID)
	if _, err := s.store.ListPush(ctx, listKey, string(encoded)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "append message")
	}
	// 熱窗口只保留最近 N 筆
	if err := s.store.ListTrim(ctx, listKey, -s.opts.RecentWindow, -1); err != nil {
		s.logger.Warn("trim message window failed", "room_id", roomID, "error", err)
	}

	if _, err := s.cache.WriteBack(ctx, "cache:message:"+msg.ID, msg, s.opts.CacheTTL,
		func(ctx context.Context, value any) (any, error) {
			if err := s.archive.SaveMessage(ctx, msg); err != nil {
				return nil, err
			}
			return value, nil
		}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "schedule message archive")
	}

	// 失效近期訊息快取（write-around 的失效語意）
	if _, err := s.store.Del(ctx, cacheRoomMessagesKey(roomID)); err != nil {
		s.logger.Warn("invalidate recent messages failed", "room_id", roomID, "error", err)
	}

	return msg, nil
}

// RecentMessages 讀取房間的近期訊息（熱窗口）。
//
// 讀取路徑（cache-aside）：
//   短 TTL 快取整個窗口，未命中時從列表重建。
func (s *Service) RecentMessages(ctx context.Context, roomID string) ([]Message, error) {
	value, err := s.cache.CacheAside(ctx, cacheRoomMessagesKey(roomID), recentMessagesTTL,
		func(ctx context.Context) (any, error) {
			raws, err := s.store.ListRange(ctx, roomMessagesKey(roomID), -s.opts.RecentWindow, -1)
			if err != nil {
				return nil, err
			}
			messages := make([]Message, 0, len(raws))
			for _, raw := range raws {
				var msg Message
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					// 壞資料跳過，不讓單筆損壞擋住整個窗口
					s.logger.Warn("skip corrupt message entry", "room_id", roomID, "error", err)
					continue
				}
				messages = append(messages, msg)
			}
			return messages, nil
		})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load recent messages")
	}

	var messages []Message
	if err := rehydrate(value, &messages); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode messages")
	}
	return messages, nil
}

// MessageByID 以 ID 讀取單筆訊息。
//
// 讀取路徑（LRU 受控快取）：
//   單筆訊息查詢集中在少數熱門訊息（被引用、被轉貼），
//   以 LRU 限制快取數量上界，冷訊息自然被擠出。
//   未命中時從歸檔載入並以 LRUSet 寫入（同時更新淘汰索引）。
func (s *Service) MessageByID(ctx context.Context, id string) (*Message, error) {
	key := "cache:message:" + id

	value, hit, err := s.cache.LRUGet(ctx, key)
	if err != nil {
		s.logger.Warn("message cache lookup failed", "message_id", id, "error", err)
	}
	if hit {
		var msg Message
		if err := rehydrate(value, &msg); err == nil {
			return &msg, nil
		}
	}

	msg, err := s.archive.Message(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, apperrors.New(apperrors.ErrCodeNotFound, "message not found")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load message")
	}

	if err := s.cache.LRUSet(ctx, key, msg, s.opts.CacheTTL, s.opts.MaxCachedEntries); err != nil {
		s.logger.Warn("message cache fill failed", "message_id", id, "error", err)
	}
	return msg, nil
}

// History 讀取房間的歷史訊息（PostgreSQL 歸檔）。
//
// 歷史查詢頻率低且範圍大，直接走歸檔不經快取。
func (s *Service) History(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	messages, err := s.archive.RoomHistory(ctx, roomID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load message history")
	}
	return messages, nil
}
