package postgres

import (
	"encoding/json"

	"github.com/jkaninda/kijenzi/internal/domain"
)

// sanitizeRole enforces that only USER and ASSISTANT roles are stored.
func sanitizeRole(role domain.Role) string {
	if role == domain.RoleAssistant {
		return string(domain.RoleAssistant)
	}
	return string(domain.RoleUser)
}

func sanitizeKind(kind domain.MessageKind) string {
	if kind == domain.KindError {
		return string(domain.KindError)
	}
	return string(domain.KindResult)
}

func toProject(m *ProjectModel) *domain.Project {
	return &domain.Project{
		ID:        m.ID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toMessage(m *MessageModel) *domain.Message {
	msg := &domain.Message{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		Content:   m.Content,
		Role:      domain.Role(m.Role),
		Kind:      domain.MessageKind(m.Kind),
		CreatedAt: m.CreatedAt,
	}
	if m.Fragment != nil {
		msg.Fragment = toFragment(m.Fragment)
	}
	return msg
}

func toFragment(m *FragmentModel) *domain.Fragment {
	files := map[string]string{}
	if len(m.Files) > 0 {
		// A corrupt column yields an empty file map rather than a failed read.
		_ = json.Unmarshal(m.Files, &files)
	}
	return &domain.Fragment{
		ID:         m.ID,
		MessageID:  m.MessageID,
		Title:      m.Title,
		SandboxURL: m.SandboxURL,
		Files:      files,
		CreatedAt:  m.CreatedAt,
	}
}

func encodeFiles(files map[string]string) (JSONB, error) {
	if files == nil {
		files = map[string]string{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	return JSONB(data), nil
}
