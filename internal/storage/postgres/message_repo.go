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
var _ storage.MessageStore = (*MessageRepository)(nil)

// MessageRepository implements storage.MessageStore with GORM.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) AppendUserMessage(ctx context.Context, projectID uuid.UUID, content string) (*domain.Message, error) {
	m := MessageModel{
		ID:        uuid.New(),
		ProjectID: projectID,
		Content:   content,
		Role:      string(domain.RoleUser),
		Kind:      string(domain.KindResult),
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchProject(tx, projectID, m.CreatedAt); err != nil {
			return err
		}
		return tx.Create(&m).Error
	})
	if err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}
	return toMessage(&m), nil
}

func (r *MessageRepository) History(ctx context.Context, projectID uuid.UUID) ([]*domain.Message, error) {
	var models []MessageModel
	if err := r.db.WithContext(ctx).
		Preload("Fragment").
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	msgs := make([]*domain.Message, 0, len(models))
	for i := range models {
		msgs = append(msgs, toMessage(&models[i]))
	}
	return msgs, nil
}

func (r *MessageRepository) SaveOutcome(ctx context.Context, outcome *domain.Outcome) (*domain.Message, error) {
	now := time.Now().UTC()
	m := MessageModel{
		ID:        uuid.New(),
		ProjectID: outcome.ProjectID,
		Content:   outcome.Content,
		Role:      string(domain.RoleAssistant),
		Kind:      sanitizeKind(outcome.Kind),
		CreatedAt: now,
	}

	var frag *FragmentModel
	if outcome.Fragment != nil && m.Kind == string(domain.KindResult) {
		files, err := encodeFiles(outcome.Fragment.Files)
		if err != nil {
			return nil, fmt.Errorf("encoding fragment files: %w", err)
		}
		frag = &FragmentModel{
			ID:         uuid.New(),
			MessageID:  m.ID,
			Title:      outcome.Fragment.Title,
			SandboxURL: outcome.Fragment.SandboxURL,
			Files:      files,
			CreatedAt:  now,
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchProject(tx, outcome.ProjectID, now); err != nil {
			return err
		}
		if err := tx.Omit("Fragment").Create(&m).Error; err != nil {
			return err
		}
		if frag != nil {
			return tx.Create(frag).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving outcome: %w", err)
	}

	m.Fragment = frag
	return toMessage(&m), nil
}

func (r *MessageRepository) LatestPreviewURL(ctx context.Context, projectID uuid.UUID) (string, error) {
	var urls []string
	if err := r.db.WithContext(ctx).
		Model(&FragmentModel{}).
		Joins("JOIN messages ON messages.id = fragments.message_id").
		Where("messages.project_id = ?", projectID).
		Order("messages.created_at DESC").
		Limit(1).
		Pluck("fragments.sandbox_url", &urls).Error; err != nil {
		return "", fmt.Errorf("looking up latest preview: %w", err)
	}
	if len(urls) == 0 {
		return "", nil
	}
	return urls[0], nil
}

// touchProject bumps updated_at and fails with storage.ErrNotFound when the
// project does not exist.
func touchProject(tx *gorm.DB, projectID uuid.UUID, now time.Time) error {
	res := tx.Model(&ProjectModel{}).Where("id = ?", projectID).Update("updated_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Join(storage.ErrNotFound, fmt.Errorf("project %s", projectID))
	}
	return nil
}
