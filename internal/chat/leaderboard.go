package chat

import (
	"context"

	apperrors "github.com/koopa0/system-design/14-chat-cache/pkg/errors"
)

// RecordScore 為使用者的排行榜分數加上增量，回傳新分數。
//
// 寫入路徑：
//   ZINCRBY 單指令原子遞增，之後失效排行榜快取。
//   排名本身不需要強一致（短暫落後可接受），
//   但分數遞增不能丟，所以走權威有序集合而非快取。
func (s *Service) RecordScore(ctx context.Context, userID string, delta float64) (float64, error) {
	if userID == "" {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "user id required")
	}

	score, err := s.store.ZIncrBy(ctx, leaderboardKey, userID, delta)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "record score")
	}

	if _, err := s.store.Del(ctx, cacheLeaderboardKey, cacheUserScoreKey(userID)); err != nil {
		s.logger.Warn("invalidate leaderboard cache failed", "error", err)
	}
	return score, nil
}

// TopUsers 讀取排行榜前 N 名。
//
// 讀取路徑（read-through）：
//   排行榜是全站熱點（每個使用者看到同一份），
//   快取一份前 N 名即可吸收絕大多數讀取。
func (s *Service) TopUsers(ctx context.Context) ([]Rank, error) {
	value, err := s.cache.ReadThrough(ctx, cacheLeaderboardKey, s.opts.CacheTTL,
		func(ctx context.Context) (any, error) {
			members, err := s.store.ZRevRangeWithScores(ctx, leaderboardKey, 0, s.opts.LeaderboardSize-1)
			if err != nil {
				return nil, err
			}
			ranks := make([]Rank, 0, len(members))
			for _, m := range members {
				ranks = append(ranks, Rank{UserID: m.Name, Score: m.Score})
			}
			return ranks, nil
		})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "load leaderboard")
	}

	var ranks []Rank
	if err := rehydrate(value, &ranks); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode leaderboard")
	}
	return ranks, nil
}

func cacheUserScoreKey(userID string) string { return "cache:leaderboard:user:" + userID }

// UserScore 讀取單一使用者的分數（不存在時回傳 0）。
//
// 讀取路徑（LFU 受控快取）：
//   個人分數查詢集中在少數活躍使用者，
//   以 LFU 留住高頻使用者、擠出冷門使用者；
//   RecordScore 寫入時主動失效，避免讀到舊分數。
func (s *Service) UserScore(ctx context.Context, userID string) (float64, error) {
	key := cacheUserScoreKey(userID)

	value, hit, err := s.cache.LFUGet(ctx, key)
	if err != nil {
		s.logger.Warn("score cache lookup failed", "user_id", userID, "error", err)
	}
	if hit {
		var score float64
		if err := rehydrate(value, &score); err == nil {
			return score, nil
		}
	}

	score, err := s.store.ZScore(ctx, leaderboardKey, userID)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read score")
	}

	if err := s.cache.LFUSet(ctx, key, score, s.opts.CacheTTL, s.opts.MaxCachedEntries); err != nil {
		s.logger.Warn("score cache fill failed", "user_id", userID, "error", err)
	}
	return score, nil
}
