package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// ProjectModel maps to the "projects" table.
type ProjectModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProjectModel) TableName() string { return "projects" }

// MessageModel maps to the "messages" table.
type MessageModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ProjectID uuid.UUID      `gorm:"type:uuid;not null;index:idx_messages_project_created,priority:1"`
	Content   string         `gorm:"type:text;not null"`
	Role      string         `gorm:"not null"`
	Kind      string         `gorm:"not null"`
	CreatedAt time.Time      `gorm:"index:idx_messages_project_created,priority:2"`
	UpdatedAt time.Time
	Fragment  *FragmentModel `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

func (MessageModel) TableName() string { return "messages" }

// FragmentModel maps to the "fragments" table. One per assistant RESULT message.
type FragmentModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	MessageID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Title      string    `gorm:"not null"`
	SandboxURL string    `gorm:"not null"`
	Files      JSONB     `gorm:"type:jsonb;not null;default:'{}'"` // JSON-encoded map[string]string.
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (FragmentModel) TableName() string { return "fragments" }

// RunEventModel maps to the "run_events" table. No DeletedAt: pruning removes rows.
type RunEventModel struct {
	ID          string    `gorm:"primaryKey"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Attempts    int       `gorm:"not null;default:0"`
	StartedAt   time.Time
	CompletedAt *time.Time `gorm:"index"` // NULL = not completed
}

func (RunEventModel) TableName() string { return "run_events" }

// Models lists every table in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{
		&ProjectModel{},
		&MessageModel{},
		&FragmentModel{},
		&RunEventModel{},
	}
}
