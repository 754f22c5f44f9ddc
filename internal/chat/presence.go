package chat

import (
	"context"

	apperrors "github.com/koopa0/system-design/14-chat-cache/pkg/errors"
)

// Join 將使用者加入房間的在線集合。
func (s *Service) Join(ctx context.Context, roomID, userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "user id required")
	}
	if _, err := s.RoomInfo(ctx, roomID); err != nil {
		return err
	}

	if _, err := s.store.SetAdd(ctx, roomOnlineKey(roomID), userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "join room")
	}

	// 在線名單快取立即失效（名單變動要盡快可見）
	if _, err := s.store.Del(ctx, "cache:room:"+roomID+":online"); err != nil {
		s.logger.Warn("invalidate online cache failed", "room_id", roomID, "error", err)
	}
	return nil
}

// Leave 將使用者移出房間的在線集合。
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	if _, err := s.store.SetRem(ctx, roomOnlineKey(roomID), userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "leave room")
	}
	if _, err := s.store.Del(ctx, "cache:room:"+roomID+":online"); err != nil {
		s.logger.Warn("invalidate online cache failed", "room_id", roomID, "error", err)
	}
	return nil
}

// Online 讀取房間的在線名單。
//
// 讀取路徑（read-through）：
//   名單讀取頻繁（每次進房、每次渲染成員列表），
//   用短 TTL 快取吸收尖峰；Join/Leave 時主動失效。
func (s *Service) Online(ctx context.Context, roomID string) ([]string, error) {
	value, err := s.cache.ReadThrough(ctx, "cache:room:"+roomID+":online", presenceCacheTTL,
		func(ctx context.Context) (any, error) {
			return s.store.SetMembers(ctx, roomOnlineKey(roomID))
		})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load online users")
	}

	var users []string
	if err := rehydrate(value, &users); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode online users")
	}
	return users, nil
}

// IsOnline 檢查使用者是否在房間的在線集合中。
func (s *Service) IsOnline(ctx context.Context, roomID, userID string) (bool, error) {
	online, err := s.store.SetIsMember(ctx, roomOnlineKey(roomID), userID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "check presence")
	}
	return online, nil
}
