package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/storage"
)

// Compile-time interface check.
var _ storage.ProjectStore = (*ProjectRepository)(nil)

// ProjectRepository implements storage.ProjectStore with GORM.
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a ProjectRepository.
func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) Create(ctx context.Context, name string) (*domain.Project, error) {
	now := time.Now().UTC()
	m := ProjectModel{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return toProject(&m), nil
}

func (r *ProjectRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	var m ProjectModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return toProject(&m), nil
}
