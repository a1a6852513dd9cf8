package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
)

// GormTaskStore is the gorm-backed implementation of common.TaskStore and
// common.ImportCursorStore.
type GormTaskStore struct {
	db *gorm.DB
}

// NewGormTaskStore wraps an open gorm connection.
func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

// ClaimNextPendingHPT selects the oldest pending, not-in-progress task inside
// a transaction with a row lock (SELECT ... FOR UPDATE on postgres; gorm
// degrades this to a plain select on sqlite, which is fine for single-process
// test use), then marks it in_progress before the transaction commits so a
// second caller racing for the same row blocks until the first claim lands.
func (s *GormTaskStore) ClaimNextPendingHPT(ctx context.Context) (*syncdomain.HighPriorityTask, error) {
	var claimed *HighPriorityTaskModel

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row HighPriorityTaskModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("processed = ? AND in_progress = ?", false, false).
			Order("created_at ASC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&row).Updates(map[string]interface{}{
			"in_progress":       true,
			"in_progress_since": now,
		}).Error; err != nil {
			return err
		}
		row.InProgress = true
		row.InProgressSince = &now
		claimed = &row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next pending high priority task: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}
	return toDomainTask(claimed)
}

func (s *GormTaskStore) GetHPT(ctx context.Context, id string) (*syncdomain.HighPriorityTask, error) {
	var row HighPriorityTaskModel
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toDomainTask(&row)
}

func (s *GormTaskStore) CreateHPT(ctx context.Context, task *syncdomain.HighPriorityTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	row, err := fromDomainTask(task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormTaskStore) SaveHPT(ctx context.Context, task *syncdomain.HighPriorityTask) error {
	row, err := fromDomainTask(task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *GormTaskStore) QueryMissedHPTs(ctx context.Context, olderThan time.Time) ([]*syncdomain.HighPriorityTask, error) {
	var rows []HighPriorityTaskModel
	err := s.db.WithContext(ctx).
		Where("processed = ? AND in_progress = ? AND created_at < ?", false, false, olderThan).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTasks(rows)
}

func (s *GormTaskStore) QueryStuckInProgressHPTs(ctx context.Context, since time.Time) ([]*syncdomain.HighPriorityTask, error) {
	var rows []HighPriorityTaskModel
	err := s.db.WithContext(ctx).
		Where("processed = ? AND in_progress = ? AND in_progress_since < ?", false, true, since).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTasks(rows)
}

func (s *GormTaskStore) DistinctOrgIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&IntegrationModel{}).
		Where("active = ?", true).
		Distinct("org_id").
		Order("org_id ASC").
		Pluck("org_id", &ids).Error
	return ids, err
}

func (s *GormTaskStore) IntegrationsForOrg(ctx context.Context, orgID string) ([]*syncdomain.Integration, error) {
	var rows []IntegrationModel
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND active = ?", orgID, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]*syncdomain.Integration, 0, len(rows))
	for _, row := range rows {
		integ, err := toDomainIntegration(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, integ)
	}
	return out, nil
}

func (s *GormTaskStore) AppendLogEvent(ctx context.Context, event *syncdomain.SyncLogEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log event metadata: %w", err)
	}
	row := &SyncLogEventModel{
		ID:                 event.ID,
		OrgID:              event.OrgID,
		IntegrationID:      event.IntegrationID,
		HighPriorityTaskID: event.HighPriorityTaskID,
		Level:              event.Level,
		Event:              event.Event,
		Message:            event.Message,
		Metadata:           string(metadata),
		CreatedAt:          event.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// GetCursor implements common.ImportCursorStore.
func (s *GormTaskStore) GetCursor(ctx context.Context, integrationID, module string) (string, bool, error) {
	var row ImportCursorModel
	err := s.db.WithContext(ctx).
		Where("integration_id = ? AND module = ?", integrationID, module).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Cursor, true, nil
}

// SetCursor implements common.ImportCursorStore.
func (s *GormTaskStore) SetCursor(ctx context.Context, integrationID, module, cursor string) error {
	row := &ImportCursorModel{
		IntegrationID: integrationID,
		Module:        module,
		Cursor:        cursor,
		UpdatedAt:     time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "integration_id"}, {Name: "module"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(row).Error
}

func toDomainTask(row *HighPriorityTaskModel) (*syncdomain.HighPriorityTask, error) {
	var modules []string
	if row.Modules != "" {
		if err := json.Unmarshal([]byte(row.Modules), &modules); err != nil {
			return nil, fmt.Errorf("unmarshal task modules: %w", err)
		}
	}
	return &syncdomain.HighPriorityTask{
		ID:              row.ID,
		OrgID:           row.OrgID,
		IntegrationID:   row.IntegrationID,
		Modules:         modules,
		SinceDate:       row.SinceDate,
		UntilDate:       row.UntilDate,
		InProgress:      row.InProgress,
		InProgressSince: row.InProgressSince,
		Processed:       row.Processed,
		ProcessedAt:     row.ProcessedAt,
		CreatedAt:       row.CreatedAt,
	}, nil
}

func toDomainTasks(rows []HighPriorityTaskModel) ([]*syncdomain.HighPriorityTask, error) {
	out := make([]*syncdomain.HighPriorityTask, 0, len(rows))
	for i := range rows {
		t, err := toDomainTask(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func fromDomainTask(task *syncdomain.HighPriorityTask) (*HighPriorityTaskModel, error) {
	modules, err := json.Marshal(task.Modules)
	if err != nil {
		return nil, fmt.Errorf("marshal task modules: %w", err)
	}
	return &HighPriorityTaskModel{
		ID:              task.ID,
		OrgID:           task.OrgID,
		IntegrationID:   task.IntegrationID,
		Modules:         string(modules),
		SinceDate:       task.SinceDate,
		UntilDate:       task.UntilDate,
		InProgress:      task.InProgress,
		InProgressSince: task.InProgressSince,
		Processed:       task.Processed,
		ProcessedAt:     task.ProcessedAt,
		CreatedAt:       task.CreatedAt,
	}, nil
}

func toDomainIntegration(row *IntegrationModel) (*syncdomain.Integration, error) {
	settings := map[string]string{}
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &settings); err != nil {
			return nil, fmt.Errorf("unmarshal integration settings: %w", err)
		}
	}
	return &syncdomain.Integration{
		ID:       row.ID,
		OrgID:    row.OrgID,
		Provider: syncdomain.Provider(row.Provider),
		Active:   row.Active,
		Settings: settings,
	}, nil
}
