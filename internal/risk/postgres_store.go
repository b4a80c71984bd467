package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/defirisk/internal/pagination"
)

// PostgresStore persists assessment history in PostgreSQL. The schema lives
// in migrations/00001_risk_assessments.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment history.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factors, err := json.Marshal(a.Score.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	analyses, err := json.Marshal(a.Analyses)
	if err != nil {
		return fmt.Errorf("marshal analyses: %w", err)
	}
	recommendations, err := json.Marshal(nonNil(a.Recommendations))
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	warnings, err := json.Marshal(nonNil(a.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, slug, protocol, overall, level, factors, analyses,
			 recommendations, warnings, incident_count, tvl, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID,
		a.Slug,
		a.Protocol,
		a.Score.Overall,
		string(a.Score.Level),
		factors,
		analyses,
		recommendations,
		warnings,
		a.IncidentCount,
		a.TVL,
		a.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySlug(ctx context.Context, slug string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		beforeAt sql.NullTime
		beforeID string
	)
	if before != nil {
		beforeAt = sql.NullTime{Time: before.At, Valid: true}
		beforeID = before.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, protocol, overall, level, factors, analyses,
		       recommendations, warnings, incident_count, tvl, assessed_at
		FROM risk_assessments
		WHERE slug = $1
		  AND ($2::timestamptz IS NULL OR (assessed_at, id) < ($2, $3))
		ORDER BY assessed_at DESC, id DESC
		LIMIT $4
	`, slug, beforeAt, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a                                 Assessment
			level                             string
			factors, analyses, recs, warnings []byte
		)
		if err := rows.Scan(&a.ID, &a.Slug, &a.Protocol, &a.Score.Overall, &level,
			&factors, &analyses, &recs, &warnings, &a.IncidentCount, &a.TVL, &a.AssessedAt); err != nil {
			return nil, fmt.Errorf("scan risk assessment: %w", err)
		}
		a.Score.Level = Level(level)
		if err := unmarshalAll(
			jsonField{factors, &a.Score.Factors},
			jsonField{analyses, &a.Analyses},
			jsonField{recs, &a.Recommendations},
			jsonField{warnings, &a.Warnings},
		); err != nil {
			return nil, fmt.Errorf("decode risk assessment %s: %w", a.ID, err)
		}
		a.AssessedAt = a.AssessedAt.UTC()
		result = append(result, &a)
	}
	return result, rows.Err()
}

type jsonField struct {
	raw []byte
	dst any
}

func unmarshalAll(fields ...jsonField) error {
	for _, f := range fields {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
