package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/promptduel-backend/internal/config"
	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/store"
)

// Repository provides PostgreSQL-based session storage
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			player_name VARCHAR(255) NOT NULL,
			avatar_url TEXT,
			api_key_hash VARCHAR(64),
			round1_data JSONB,
			round2_data JSONB,
			round3_data JSONB,
			round1_score BIGINT,
			round2_score BIGINT,
			round3_score BIGINT,
			round1_time BIGINT,
			round2_time BIGINT,
			round3_time BIGINT,
			total_score BIGINT NOT NULL DEFAULT 0,
			total_time BIGINT NOT NULL DEFAULT 0,
			rounds_completed INT NOT NULL DEFAULT 0,
			current_round INT NOT NULL DEFAULT 1,
			status VARCHAR(16) NOT NULL DEFAULT 'Playing',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_player ON sessions(player_name, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_leaderboard ON sessions(status, total_score DESC, total_time ASC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const sessionColumns = `id, player_name, avatar_url, api_key_hash,
	round1_data, round2_data, round3_data,
	total_score, total_time, rounds_completed, current_round, status,
	created_at, updated_at`

// CreateSession inserts a fresh session in the Playing state
func (r *Repository) CreateSession(ctx context.Context, playerName, avatarURL, apiKeyHash string) (*domain.SessionRecord, error) {
	if playerName == "" {
		return nil, domain.ErrInvalidRequest
	}

	now := time.Now()
	rec := &domain.SessionRecord{
		ID:           uuid.New().String(),
		PlayerName:   playerName,
		AvatarURL:    avatarURL,
		APIKeyHash:   apiKeyHash,
		CurrentRound: 1,
		Status:       domain.StatusPlaying,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `
		INSERT INTO sessions (id, player_name, avatar_url, api_key_hash, current_round, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.PlayerName, rec.AvatarURL, rec.APIKeyHash, rec.CurrentRound, string(rec.Status), now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return rec, nil
}

// GetSession retrieves a session by id
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	rec, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return rec, nil
}

// UpdateSession applies an allowed-field patch to a session
func (r *Repository) UpdateSession(ctx context.Context, sessionID string, patch store.SessionPatch) (*domain.SessionRecord, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	rec, err := scanSession(tx.QueryRow(ctx, query, sessionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("locking session: %w", err)
	}

	sets := []string{"updated_at = $2"}
	args := []interface{}{sessionID, time.Now()}
	if patch.Status != nil {
		if err := store.CheckStatusAdvance(rec.Status, *patch.Status); err != nil {
			return nil, err
		}
		args = append(args, string(*patch.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
		rec.Status = *patch.Status
	}
	if patch.AvatarURL != nil {
		args = append(args, *patch.AvatarURL)
		sets = append(sets, fmt.Sprintf("avatar_url = $%d", len(args)))
		rec.AvatarURL = *patch.AvatarURL
	}
	if patch.CurrentRound != nil {
		args = append(args, *patch.CurrentRound)
		sets = append(sets, fmt.Sprintf("current_round = $%d", len(args)))
		rec.CurrentRound = *patch.CurrentRound
	}

	update := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = $1`, strings.Join(sets, ", "))
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}
	rec.UpdatedAt = args[1].(time.Time)
	return rec, nil
}

// SaveRound persists one round's payload and refreshes the derived fields.
// The row is locked for the duration so totals are recomputed from current
// data rather than a stale read.
func (r *Repository) SaveRound(ctx context.Context, sessionID string, round int, payload domain.RoundPayload) (*domain.SessionRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	rec, err := scanSession(tx.QueryRow(ctx, query, sessionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("locking session: %w", err)
	}

	if err := store.CheckRoundSave(rec, round); err != nil {
		return nil, err
	}
	store.ApplyRound(rec, round, payload)
	rec.UpdatedAt = time.Now()

	rounds, err := marshalRounds(rec)
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE sessions SET
			round1_data = $2, round2_data = $3, round3_data = $4,
			round1_score = $5, round2_score = $6, round3_score = $7,
			round1_time = $8, round2_time = $9, round3_time = $10,
			total_score = $11, total_time = $12,
			rounds_completed = $13, current_round = $14, status = $15,
			updated_at = $16
		WHERE id = $1
	`
	scores, times := roundScoreColumns(rec)
	_, err = tx.Exec(ctx, update,
		sessionID,
		rounds[0], rounds[1], rounds[2],
		scores[0], scores[1], scores[2],
		times[0], times[1], times[2],
		rec.TotalScore, rec.TotalTime,
		rec.RoundsCompleted, rec.CurrentRound, string(rec.Status),
		rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("saving round: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing round: %w", err)
	}
	return rec, nil
}

// CompleteSession marks a session Finished with the reported totals
func (r *Repository) CompleteSession(ctx context.Context, sessionID string, totals domain.CompletionTotals) (*domain.SessionRecord, error) {
	query := `
		UPDATE sessions
		SET status = $2, total_score = $3, total_time = $4, current_round = $5, updated_at = $6
		WHERE id = $1
	`
	now := time.Now()
	result, err := r.pool.Exec(ctx, query,
		sessionID, string(domain.StatusFinished), totals.TotalScore, totals.TotalTime, domain.MaxRounds, now,
	)
	if err != nil {
		return nil, fmt.Errorf("completing session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return r.GetSession(ctx, sessionID)
}

// Leaderboard returns finished sessions ranked by score, ties broken by the
// shorter total time
func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT id, player_name, avatar_url, total_score, total_time,
			   ROW_NUMBER() OVER (ORDER BY total_score DESC, total_time ASC) as rank
		FROM sessions
		WHERE status = $1
		ORDER BY total_score DESC, total_time ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, string(domain.StatusFinished), limit)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		var avatar *string
		err := rows.Scan(&entry.SessionID, &entry.PlayerName, &avatar, &entry.TotalScore, &entry.TotalTime, &entry.Rank)
		if err != nil {
			return nil, fmt.Errorf("scanning leaderboard entry: %w", err)
		}
		if avatar != nil {
			entry.AvatarURL = *avatar
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PlayerHistory returns all of a player's sessions, newest first
func (r *Repository) PlayerHistory(ctx context.Context, playerName string) ([]domain.SessionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE player_name = $1 ORDER BY created_at DESC`, sessionColumns)
	rows, err := r.pool.Query(ctx, query, playerName)
	if err != nil {
		return nil, fmt.Errorf("getting player history: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// AllSessions returns the most recent sessions up to limit
func (r *Repository) AllSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions ORDER BY created_at DESC LIMIT $1`, sessionColumns)
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Stats returns aggregate counters over all sessions
func (r *Repository) Stats(ctx context.Context) (*domain.SessionStats, error) {
	query := `
		SELECT COUNT(*),
			   COUNT(*) FILTER (WHERE status = $1),
			   COALESCE(AVG(total_score) FILTER (WHERE status = $1), 0)
		FROM sessions
	`
	var stats domain.SessionStats
	err := r.pool.QueryRow(ctx, query, string(domain.StatusFinished)).Scan(
		&stats.TotalSessions,
		&stats.FinishedSessions,
		&stats.AverageScore,
	)
	if err != nil {
		return nil, fmt.Errorf("getting stats: %w", err)
	}
	return &stats, nil
}

// scanSession reads one session row into a record
func scanSession(row pgx.Row) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var avatar, keyHash *string
	var roundData [domain.MaxRounds][]byte
	var status string
	err := row.Scan(
		&rec.ID, &rec.PlayerName, &avatar, &keyHash,
		&roundData[0], &roundData[1], &roundData[2],
		&rec.TotalScore, &rec.TotalTime, &rec.RoundsCompleted, &rec.CurrentRound, &status,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if avatar != nil {
		rec.AvatarURL = *avatar
	}
	if keyHash != nil {
		rec.APIKeyHash = *keyHash
	}
	rec.Status = domain.SessionStatus(status)
	for i, data := range roundData {
		if len(data) == 0 {
			continue
		}
		var payload domain.RoundPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshaling round %d data: %w", i+1, err)
		}
		rec.Rounds[i] = &payload
	}
	return &rec, nil
}

func collectSessions(rows pgx.Rows) ([]domain.SessionRecord, error) {
	var records []domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

// marshalRounds serializes each saved round payload to JSONB, nil where the
// round has not been played
func marshalRounds(rec *domain.SessionRecord) ([domain.MaxRounds][]byte, error) {
	var out [domain.MaxRounds][]byte
	for i, r := range rec.Rounds {
		if r == nil {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return out, fmt.Errorf("marshaling round %d data: %w", i+1, err)
		}
		out[i] = data
	}
	return out, nil
}

// roundScoreColumns extracts the denormalized per-round score/time columns
func roundScoreColumns(rec *domain.SessionRecord) (scores, times [domain.MaxRounds]*int64) {
	for i, r := range rec.Rounds {
		if r == nil {
			continue
		}
		s, t := r.Score, r.TimeTaken
		scores[i] = &s
		times[i] = &t
	}
	return scores, times
}
