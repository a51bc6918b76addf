// Package postgres 以 PostgreSQL 保存對局結果
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/pong-engine/internal/game"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

// Options 連接池參數
type Options struct {
	MaxConns int32
	MinConns int32
}

// Store PostgreSQL 儲存
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open 執行遷移並建立連接池
func Open(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*Store, error) {
	migrator, err := NewMigrator(dsn, logger)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "postgres unavailable")
	}
	upErr := migrator.Up()
	if closeErr := migrator.Close(); closeErr != nil {
		logger.Warn("關閉遷移管理器失敗", "error", closeErr)
	}
	if upErr != nil {
		return nil, apperrors.Wrap(upErr, apperrors.ErrCodeUnavailable, "postgres migration failed")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "ping postgres")
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close 關閉連接池
func (s *Store) Close() {
	s.pool.Close()
}

// SaveResult 保存結果；同一 session 重複寫入會被忽略
func (s *Store) SaveResult(ctx context.Context, r game.MatchResult) error {
	var winner *int64
	if r.WinnerID != nil {
		w := int64(*r.WinnerID)
		winner = &w
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO match_results (
			session_id, player1_id, player2_id, score1, score2,
			winner_id, reason, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING`,
		r.SessionID, int64(r.Player1ID), int64(r.Player2ID), r.Score1, r.Score2,
		winner, r.Reason, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert match result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("對局結果已存在", "session_id", r.SessionID)
	}
	return nil
}

// FindStats 以 SQL 彙總玩家統計
func (s *Store) FindStats(ctx context.Context, playerID game.PlayerID) (game.PlayerStats, error) {
	var total, won, score int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE winner_id = $1),
			COALESCE(SUM(CASE WHEN player1_id = $1 THEN score1 ELSE score2 END), 0)
		FROM match_results
		WHERE player1_id = $1 OR player2_id = $1`,
		int64(playerID),
	).Scan(&total, &won, &score)
	if err != nil {
		return game.PlayerStats{}, fmt.Errorf("query player stats: %w", err)
	}
	return game.NewPlayerStats(playerID, int(total), int(won), int(score)), nil
}

// FindHistory 依結束時間由新到舊返回玩家的對局
func (s *Store) FindHistory(ctx context.Context, playerID game.PlayerID, limit, offset int) ([]game.MatchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, player1_id, player2_id, score1, score2,
		       winner_id, reason, started_at, finished_at
		FROM match_results
		WHERE player1_id = $1 OR player2_id = $1
		ORDER BY finished_at DESC, session_id
		LIMIT $2 OFFSET $3`,
		int64(playerID), game.ClampHistoryLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query match history: %w", err)
	}

	history, err := pgx.CollectRows(rows, scanResult)
	if err != nil {
		return nil, fmt.Errorf("scan match history: %w", err)
	}
	if history == nil {
		history = []game.MatchResult{}
	}
	return history, nil
}

func scanResult(row pgx.CollectableRow) (game.MatchResult, error) {
	var (
		r          game.MatchResult
		p1, p2     int64
		winner     *int64
		start, end time.Time
	)
	if err := row.Scan(&r.SessionID, &p1, &p2, &r.Score1, &r.Score2, &winner, &r.Reason, &start, &end); err != nil {
		return game.MatchResult{}, err
	}
	r.Player1ID = game.PlayerID(p1)
	r.Player2ID = game.PlayerID(p2)
	if winner != nil {
		w := game.PlayerID(*winner)
		r.WinnerID = &w
	}
	r.StartedAt = start.UTC()
	r.FinishedAt = end.UTC()
	return r, nil
}
