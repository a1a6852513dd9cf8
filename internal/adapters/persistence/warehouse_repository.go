package persistence

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"gorm.io/gorm"
)

// GormWarehouse implements the xeroimport.Sink / netsuiteimport.Sink /
// toastimport.Sink Upsert/Reset/Insert methods against a single generic
// table: every importer module writes rows of arbitrary shape, so rather
// than a hand-migrated table per module this stores each row as JSON keyed
// by its source table name and natural key.
type GormWarehouse struct {
	db *gorm.DB
}

// NewGormWarehouse wraps an open gorm connection.
func NewGormWarehouse(db *gorm.DB) *GormWarehouse {
	return &GormWarehouse{db: db}
}

// Upsert inserts or replaces each row, keyed on (table, row[naturalKey]).
func (w *GormWarehouse) Upsert(ctx context.Context, table string, rows []map[string]interface{}, naturalKey string) error {
	models, err := toWarehouseRows(table, rows, naturalKey)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}
	return w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_table"}, {Name: "natural_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(models).Error
}

// Reset clears every row previously stored for table, the first step of a
// drop-and-reload: called once before a module's first page, so subsequent
// Insert calls for later pages in the same run only add rows.
func (w *GormWarehouse) Reset(ctx context.Context, table string) error {
	if err := w.db.WithContext(ctx).Where("source_table = ?", table).Delete(&WarehouseRowModel{}).Error; err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

// Insert appends rows to table, keying each on its content hash since
// drop-and-reload tables have no natural key the caller tracks across pages.
func (w *GormWarehouse) Insert(ctx context.Context, table string, rows []map[string]interface{}) error {
	models, err := toWarehouseRows(table, rows, "")
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}
	return w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_table"}, {Name: "natural_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(models).Error
}

func toWarehouseRows(table string, rows []map[string]interface{}, naturalKey string) ([]*WarehouseRowModel, error) {
	out := make([]*WarehouseRowModel, 0, len(rows))
	now := time.Now().UTC()
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("marshal %s row: %w", table, err)
		}
		key := contentKey(payload)
		if naturalKey != "" {
			if v, ok := row[naturalKey]; ok {
				key = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, &WarehouseRowModel{
			SourceTable: table,
			NaturalKey:  key,
			Payload:     string(payload),
			UpdatedAt:   now,
		})
	}
	return out, nil
}

func contentKey(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}
