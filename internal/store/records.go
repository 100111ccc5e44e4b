package store

import (
	"context"
	"fmt"

	"github.com/opus67/loadout/internal/catalog"
)

// LoadRecords reads all catalog records from the skill_records table.
func (s *Store) LoadRecords(ctx context.Context) ([]catalog.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, tier, token_cost,
		       capabilities, keywords, extensions, dir_prefixes
		FROM skill_records
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var records []catalog.Record
	for rows.Next() {
		var r catalog.Record
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &r.Tier, &r.TokenCost,
			&r.Capabilities, &r.Trigger.Keywords, &r.Trigger.Extensions,
			&r.Trigger.DirPrefixes,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Source = "postgres"
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// UpsertRecord inserts or updates a single catalog record.
func (s *Store) UpsertRecord(ctx context.Context, r catalog.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO skill_records
			(id, name, description, tier, token_cost,
			 capabilities, keywords, extensions, dir_prefixes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			tier = EXCLUDED.tier,
			token_cost = EXCLUDED.token_cost,
			capabilities = EXCLUDED.capabilities,
			keywords = EXCLUDED.keywords,
			extensions = EXCLUDED.extensions,
			dir_prefixes = EXCLUDED.dir_prefixes,
			updated_at = now()`,
		r.ID, r.Name, r.Description, r.Tier, r.TokenCost,
		r.Capabilities, r.Trigger.Keywords, r.Trigger.Extensions,
		r.Trigger.DirPrefixes,
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRecord removes a catalog record by id.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM skill_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete record %s: not found", id)
	}
	return nil
}
