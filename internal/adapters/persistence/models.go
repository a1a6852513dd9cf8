// Package persistence provides the gorm-backed implementation of the
// taskstore ports: durable HighPriorityTask lifecycle, the append-only sync
// log, organization integrations and per-module import cursors.
package persistence

import "time"

// IntegrationModel is the gorm row for one organization's provider
// credentials.
type IntegrationModel struct {
	ID        string `gorm:"primaryKey"`
	OrgID     string `gorm:"index"`
	Provider  string `gorm:"index"`
	Active    bool
	Settings  string // JSON-encoded map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (IntegrationModel) TableName() string { return "integrations" }

// HighPriorityTaskModel is the gorm row backing syncdomain.HighPriorityTask.
type HighPriorityTaskModel struct {
	ID              string `gorm:"primaryKey"`
	OrgID           string `gorm:"index"`
	IntegrationID   string `gorm:"index"`
	Modules         string // JSON-encoded []string
	SinceDate       *time.Time
	UntilDate       *time.Time
	InProgress      bool `gorm:"index"`
	InProgressSince *time.Time
	Processed       bool `gorm:"index"`
	ProcessedAt     *time.Time
	CreatedAt       time.Time `gorm:"index"`
}

func (HighPriorityTaskModel) TableName() string { return "high_priority_tasks" }

// SyncLogEventModel is the gorm row backing syncdomain.SyncLogEvent.
type SyncLogEventModel struct {
	ID                 string `gorm:"primaryKey"`
	OrgID              string `gorm:"index"`
	IntegrationID      string `gorm:"index"`
	HighPriorityTaskID string `gorm:"index"`
	Level              string
	Event              string `gorm:"index"`
	Message            string
	Metadata           string // JSON-encoded map[string]interface{}
	CreatedAt          time.Time `gorm:"index"`
}

func (SyncLogEventModel) TableName() string { return "sync_log_events" }

// ImportCursorModel persists the keyset cursor for one (integration, module)
// pair so importers resume cleanly across restarts.
type ImportCursorModel struct {
	IntegrationID string `gorm:"primaryKey"`
	Module        string `gorm:"primaryKey"`
	Cursor        string
	UpdatedAt     time.Time
}

func (ImportCursorModel) TableName() string { return "import_cursors" }

// WarehouseRowModel is one extracted provider row, stored as opaque JSON
// under its source table and natural key: the importers don't know the
// destination schema ahead of time (each provider module shapes its own
// columns), so the warehouse layer stores the row verbatim and leaves
// projecting it into typed reporting tables to a downstream consumer.
type WarehouseRowModel struct {
	SourceTable string `gorm:"primaryKey;column:source_table"`
	NaturalKey  string `gorm:"primaryKey;column:natural_key"`
	Payload     string // JSON-encoded row
	UpdatedAt   time.Time
}

func (WarehouseRowModel) TableName() string { return "warehouse_rows" }
