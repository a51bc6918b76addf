// Package sqlite 以 SQLite 保存對局結果（單機部署與本地開發）
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/koopa0/pong-engine/internal/game"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store SQLite 儲存
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open 開啟資料庫檔案並套用遷移
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "sqlite path is required")
	}
	cleanPath := filepath.Clean(path)

	if err := migrateUp(cleanPath); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "run sqlite migrations")
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "open sqlite db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "ping sqlite db")
	}
	return &Store{db: db}, nil
}

func migrateUp(path string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("建立遷移源失敗: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("建立遷移實例失敗: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close 關閉資料庫
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveResult 保存結果；同一 session 重複寫入會被忽略
func (s *Store) SaveResult(ctx context.Context, r game.MatchResult) error {
	var winner sql.NullInt64
	if r.WinnerID != nil {
		winner = sql.NullInt64{Int64: int64(*r.WinnerID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO match_results (
			session_id, player1_id, player2_id, score1, score2,
			winner_id, reason, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		r.SessionID, int64(r.Player1ID), int64(r.Player2ID), r.Score1, r.Score2,
		winner, r.Reason, toMillis(r.StartedAt), toMillis(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert match result: %w", err)
	}
	return nil
}

// FindStats 彙總玩家統計
func (s *Store) FindStats(ctx context.Context, playerID game.PlayerID) (game.PlayerStats, error) {
	var total, won, score int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN winner_id = ?1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN player1_id = ?1 THEN score1 ELSE score2 END), 0)
		FROM match_results
		WHERE player1_id = ?1 OR player2_id = ?1`,
		int64(playerID),
	).Scan(&total, &won, &score)
	if err != nil {
		return game.PlayerStats{}, fmt.Errorf("query player stats: %w", err)
	}
	return game.NewPlayerStats(playerID, int(total), int(won), int(score)), nil
}

// FindHistory 依結束時間由新到舊返回玩家的對局
func (s *Store) FindHistory(ctx context.Context, playerID game.PlayerID, limit, offset int) ([]game.MatchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, player1_id, player2_id, score1, score2,
		       winner_id, reason, started_at, finished_at
		FROM match_results
		WHERE player1_id = ?1 OR player2_id = ?1
		ORDER BY finished_at DESC, session_id
		LIMIT ?2 OFFSET ?3`,
		int64(playerID), game.ClampHistoryLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query match history: %w", err)
	}
	defer rows.Close()

	history := []game.MatchResult{}
	for rows.Next() {
		var (
			r          game.MatchResult
			p1, p2     int64
			winner     sql.NullInt64
			start, end int64
		)
		if err := rows.Scan(&r.SessionID, &p1, &p2, &r.Score1, &r.Score2, &winner, &r.Reason, &start, &end); err != nil {
			return nil, fmt.Errorf("scan match history: %w", err)
		}
		r.Player1ID = game.PlayerID(p1)
		r.Player2ID = game.PlayerID(p2)
		if winner.Valid {
			w := game.PlayerID(winner.Int64)
			r.WinnerID = &w
		}
		r.StartedAt = fromMillis(start)
		r.FinishedAt = fromMillis(end)
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match history: %w", err)
	}
	return history, nil
}
