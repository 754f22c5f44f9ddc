package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMessageNotFound 歸檔中查無此訊息。
var ErrMessageNotFound = errors.New("chat: message not found")

// MessageArchive 訊息歸檔介面。
//
// 為什麼定義介面？
//   - 便於測試（記憶體 mock 替代真實 PostgreSQL）
//   - write-back 的持久化函式只依賴這個最小面
type MessageArchive interface {
	// SaveMessage 歸檔單筆訊息。
	//
	// 冪等性要求：
	//   write-back 失敗後髒標記保留，帶外對帳可能重送同一筆，
	//   重複歸檔不能報錯（以訊息 ID 去重）。
	SaveMessage(ctx context.Context, msg *Message) error

	// Message 以 ID 讀取單筆訊息，不存在時回傳 ErrMessageNotFound。
	Message(ctx context.Context, id string) (*Message, error)

	// RoomHistory 讀取房間歷史訊息（新到舊）。
	RoomHistory(ctx context.Context, roomID string, limit int) ([]Message, error)

	// CountMessages 回傳房間歷史訊息總數。
	CountMessages(ctx context.Context, roomID string) (int64, error)
}

// PostgresArchive MessageArchive 的 PostgreSQL 實作。
//
// 系統設計考量：
//
//  1. 職責劃分：
//     Redis 列表持有熱窗口（最近 N 筆，低延遲讀取），
//     PostgreSQL 持有完整歷史（持久化、範圍查詢）。
//
//  2. 表結構設計：
//     - id：訊息 UUID，主鍵（同時是冪等去重鍵）
//     - room_id：索引欄位（按房間查歷史）
//     - sent_at：排序欄位
//
//  3. 索引策略：
//     INDEX (room_id, sent_at DESC)：歷史查詢走索引掃描
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// archiveSchema 歸檔表結構（啟動時冪等建立）。
const archiveSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id      UUID PRIMARY KEY,
    room_id TEXT NOT NULL,
    sender  TEXT NOT NULL,
    body    TEXT NOT NULL,
    sent_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_sent
    ON messages (room_id, sent_at DESC);
`

// NewPostgresArchive 建立 PostgreSQL 歸檔實例。
//
// 連接池配置由呼叫方管理（見 cmd/server）。
func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

// EnsureSchema 冪等建立歸檔表結構。
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, archiveSchema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// SaveMessage 歸檔單筆訊息。
//
// ON CONFLICT DO NOTHING：
//   write-back 對帳重送同一筆訊息時靜默略過（冪等）。
func (a *PostgresArchive) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, room_id, sender, body, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := a.pool.Exec(ctx, query,
		msg.ID,
		msg.RoomID,
		msg.Sender,
		msg.Text,
		msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Message 以 ID 讀取單筆訊息。
func (a *PostgresArchive) Message(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, room_id, sender, body, sent_at
		FROM messages
		WHERE id = $1
	`

	var msg Message
	err := a.pool.QueryRow(ctx, query, id).
		Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Text, &msg.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return &msg, nil
}

// RoomHistory 讀取房間歷史訊息（新到舊）。
func (a *PostgresArchive) RoomHistory(ctx context.Context, roomID string, limit int) ([]Message, error) {
	query := `
		SELECT id, room_id, sender, body, sent_at
		FROM messages
		WHERE room_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`

	rows, err := a.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Text, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return messages, nil
}

// CountMessages 回傳房間歷史訊息總數。
func (a *PostgresArchive) CountMessages(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := a.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = $1`, roomID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
