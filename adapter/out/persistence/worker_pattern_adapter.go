// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

// PatternAdapter implements out.PatternRepository using PostgreSQL.
type PatternAdapter struct {
	db *sqlx.DB
}

var _ out.PatternRepository = (*PatternAdapter)(nil)

// NewPatternAdapter creates a new PatternAdapter.
func NewPatternAdapter(db *sqlx.DB) *PatternAdapter {
	return &PatternAdapter{db: db}
}

// =============================================================================
// Learned patterns
// =============================================================================

type patternRow struct {
	ID          uuid.UUID `db:"id"`
	UserID      string    `db:"user_id"`
	Type        string    `db:"pattern_type"`
	Value       string    `db:"pattern_value"`
	ScoreImpact float64   `db:"score_impact"`
	Confidence  float64   `db:"confidence"`
	SampleCount int       `db:"sample_count"`
	LastSeenAt  time.Time `db:"last_seen_at"`
	Archived    bool      `db:"archived"`
}

func (r *patternRow) toEntity() domain.LearnedPattern {
	return domain.LearnedPattern{
		UserID:      r.UserID,
		Type:        domain.PatternType(r.Type),
		Value:       r.Value,
		ScoreImpact: r.ScoreImpact,
		Confidence:  r.Confidence,
		SampleCount: r.SampleCount,
		LastSeenAt:  r.LastSeenAt,
		Archived:    r.Archived,
	}
}

// ListPatterns returns every pattern of the user, archived ones included.
func (a *PatternAdapter) ListPatterns(ctx context.Context, userID string) ([]domain.LearnedPattern, error) {
	var rows []patternRow
	query := `
		SELECT id, user_id, pattern_type, pattern_value, score_impact, confidence,
		       sample_count, last_seen_at, archived
		FROM learned_patterns
		WHERE user_id = $1
		ORDER BY confidence DESC`

	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}

	patterns := make([]domain.LearnedPattern, len(rows))
	for i := range rows {
		patterns[i] = rows[i].toEntity()
	}
	return patterns, nil
}

// UpsertPatterns writes the given patterns in one statement using array unnesting.
func (a *PatternAdapter) UpsertPatterns(ctx context.Context, userID string, patterns []domain.LearnedPattern) error {
	if len(patterns) == 0 {
		return nil
	}

	n := len(patterns)
	ids := make([]string, n)
	types := make([]string, n)
	values := make([]string, n)
	impacts := make([]float64, n)
	confidences := make([]float64, n)
	samples := make([]int64, n)
	seen := make([]string, n)
	archived := make([]bool, n)
	for i, p := range patterns {
		ids[i] = uuid.NewString()
		types[i] = string(p.Type)
		values[i] = p.Value
		impacts[i] = p.ScoreImpact
		confidences[i] = p.Confidence
		samples[i] = int64(p.SampleCount)
		seen[i] = p.LastSeenAt.UTC().Format(time.RFC3339Nano)
		archived[i] = p.Archived
	}

	query := `
		INSERT INTO learned_patterns (
			id, user_id, pattern_type, pattern_value, score_impact, confidence,
			sample_count, last_seen_at, archived
		)
		SELECT u.id::uuid, $1, u.pattern_type, u.pattern_value, u.score_impact, u.confidence,
		       u.sample_count, u.last_seen_at::timestamptz, u.archived
		FROM UNNEST($2::text[], $3::text[], $4::text[], $5::float8[], $6::float8[], $7::int8[], $8::text[], $9::bool[])
			AS u(id, pattern_type, pattern_value, score_impact, confidence, sample_count, last_seen_at, archived)
		ON CONFLICT (user_id, pattern_type, pattern_value) DO UPDATE SET
			score_impact = EXCLUDED.score_impact,
			confidence = EXCLUDED.confidence,
			sample_count = EXCLUDED.sample_count,
			last_seen_at = EXCLUDED.last_seen_at,
			archived = EXCLUDED.archived`

	_, err := a.db.ExecContext(ctx, query, userID,
		pq.Array(ids),
		pq.Array(types),
		pq.Array(values),
		pq.Array(impacts),
		pq.Array(confidences),
		pq.Array(samples),
		pq.Array(seen),
		pq.Array(archived),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert patterns: %w", err)
	}
	return nil
}

// =============================================================================
// User weights
// =============================================================================

type weightsRow struct {
	UserID          string         `db:"user_id"`
	Multipliers     []byte         `db:"multipliers"`
	HighThreshold   int            `db:"high_threshold"`
	MediumThreshold int            `db:"medium_threshold"`
	DailyLimitCents int64          `db:"daily_limit_cents"`
	VIPSenders      []byte         `db:"vip_senders"`
	Domain          sql.NullString `db:"domain"`
	Timezone        sql.NullString `db:"timezone"`
	PreferredModel  sql.NullString `db:"preferred_model"`
	Version         int64          `db:"version"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *weightsRow) toEntity() (*domain.UserWeights, error) {
	w := domain.NewUserWeights(r.UserID)
	if len(r.Multipliers) > 0 {
		if err := json.Unmarshal(r.Multipliers, &w.Multipliers); err != nil {
			return nil, fmt.Errorf("failed to decode multipliers: %w", err)
		}
	}
	if len(r.VIPSenders) > 0 {
		if err := json.Unmarshal(r.VIPSenders, &w.VIPSenders); err != nil {
			return nil, fmt.Errorf("failed to decode vip senders: %w", err)
		}
	}
	w.HighThreshold = r.HighThreshold
	w.MediumThreshold = r.MediumThreshold
	w.DailyLimitCents = r.DailyLimitCents
	w.Domain = r.Domain.String
	w.Timezone = r.Timezone.String
	w.PreferredModel = r.PreferredModel.String
	w.Version = r.Version
	w.UpdatedAt = r.UpdatedAt
	return w, nil
}

// GetWeights returns (nil, nil) when the user has no stored weights.
func (a *PatternAdapter) GetWeights(ctx context.Context, userID string) (*domain.UserWeights, error) {
	var row weightsRow
	query := `
		SELECT user_id, multipliers, high_threshold, medium_threshold, daily_limit_cents,
		       vip_senders, domain, timezone, preferred_model, version, updated_at
		FROM user_weights
		WHERE user_id = $1`

	if err := a.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get weights: %w", err)
	}
	return row.toEntity()
}

// SaveWeights upserts the weights. An older version never overwrites a newer one.
func (a *PatternAdapter) SaveWeights(ctx context.Context, w *domain.UserWeights) error {
	if w == nil || w.UserID == "" {
		return ErrInvalidInput
	}
	mult, err := json.Marshal(w.Multipliers)
	if err != nil {
		return err
	}
	vips, err := json.Marshal(w.VIPSenders)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO user_weights (
			user_id, multipliers, high_threshold, medium_threshold, daily_limit_cents,
			vip_senders, domain, timezone, preferred_model, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			multipliers = EXCLUDED.multipliers,
			high_threshold = EXCLUDED.high_threshold,
			medium_threshold = EXCLUDED.medium_threshold,
			daily_limit_cents = EXCLUDED.daily_limit_cents,
			vip_senders = EXCLUDED.vip_senders,
			domain = EXCLUDED.domain,
			timezone = EXCLUDED.timezone,
			preferred_model = EXCLUDED.preferred_model,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE user_weights.version <= EXCLUDED.version`

	_, err = a.db.ExecContext(ctx, query,
		w.UserID, mult, w.HighThreshold, w.MediumThreshold, w.DailyLimitCents,
		vips, nullString(w.Domain), nullString(w.Timezone), nullString(w.PreferredModel),
		w.Version, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save weights: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
