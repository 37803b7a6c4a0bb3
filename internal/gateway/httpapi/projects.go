package httpapi

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/storage"
)

// maxValueLength bounds a single instruction.
const maxValueLength = 10000

// MessageRequest is the JSON body for POST /v1/projects and POST /v1/projects/{id}/messages.
type MessageRequest struct {
	Value string `json:"value"`
}

// ProjectResponse describes a project.
type ProjectResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunAcceptedResponse is returned with HTTP 202 once a run is queued.
type RunAcceptedResponse struct {
	ProjectID     string `json:"project_id"`
	MessageID     string `json:"message_id"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
}

// CreateProjectResponse is returned by POST /v1/projects.
type CreateProjectResponse struct {
	Project ProjectResponse     `json:"project"`
	Run     RunAcceptedResponse `json:"run"`
}

// FragmentResponse is the generated artifact attached to a RESULT message.
type FragmentResponse struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	SandboxURL string            `json:"sandbox_url"`
	Files      map[string]string `json:"files"`
}

// MessageResponse is one entry of the project history.
type MessageResponse struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Kind      string            `json:"kind"`
	Content   string            `json:"content"`
	Fragment  *FragmentResponse `json:"fragment,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (g *Gateway) handleCreateProject(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if !g.allow(clientID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	value, err := bindValue(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.queueReady(c); err != nil {
		return g.submitError(c, err)
	}

	project, err := g.projects.Create(c.Context(), projectName())
	if err != nil {
		g.logger.Error("creating project failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("creating project failed")
	}

	run, err := g.submit(c, clientID, project.ID, value)
	if err != nil {
		return g.submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, CreateProjectResponse{
		Project: toProjectResponse(project),
		Run:     *run,
	})
}

func (g *Gateway) handleGetProject(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid project ID")
	}

	project, err := g.projects.Get(c.Context(), id)
	if err != nil {
		return g.storageError(c, err)
	}
	return c.OK(toProjectResponse(project))
}

func (g *Gateway) handlePostMessage(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if !g.allow(clientID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid project ID")
	}
	value, err := bindValue(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.queueReady(c); err != nil {
		return g.submitError(c, err)
	}

	run, err := g.submit(c, clientID, id, value)
	if err != nil {
		return g.submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (g *Gateway) handleListMessages(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid project ID")
	}
	if _, err := g.projects.Get(c.Context(), id); err != nil {
		return g.storageError(c, err)
	}

	history, err := g.messages.History(c.Context(), id)
	if err != nil {
		return g.storageError(c, err)
	}
	resp := make([]MessageResponse, len(history))
	for i, m := range history {
		resp[i] = toMessageResponse(m)
	}
	return c.OK(resp)
}

// errQueueUnavailable is returned by submit when the run could not be queued.
var errQueueUnavailable = errors.New("run queue unavailable")

// queueReady rejects a submission up front when the run queue has no room,
// so a refused request leaves no project or message behind.
func (g *Gateway) queueReady(c *okapi.Context) error {
	qc, ok := g.runs.(queueChecker)
	if !ok {
		return nil
	}
	if err := qc.CheckQueue(c.Context()); err != nil {
		g.logger.Warn("run queue not accepting submissions", slog.String("error", err.Error()))
		return errors.Join(errQueueUnavailable, err)
	}
	return nil
}

// submit stores the user message and queues the run event {value, projectId}.
func (g *Gateway) submit(c *okapi.Context, clientID string, projectID uuid.UUID, value string) (*RunAcceptedResponse, error) {
	correlationID := newCorrelationID()

	msg, err := g.messages.AppendUserMessage(c.Context(), projectID, value)
	if err != nil {
		return nil, err
	}

	eventID, err := g.runs.Enqueue(c.Context(), domain.RunEvent{
		ID:        uuid.NewString(),
		Value:     value,
		ProjectID: projectID,
	})
	if err != nil {
		g.logger.Error("queueing run failed",
			slog.String("correlation_id", correlationID),
			slog.String("project_id", projectID.String()),
			slog.String("error", err.Error()),
		)
		return nil, errors.Join(errQueueUnavailable, err)
	}

	g.logger.Info("run submitted",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.String("project_id", projectID.String()),
		slog.String("event_id", eventID),
	)
	return &RunAcceptedResponse{
		ProjectID:     projectID.String(),
		MessageID:     msg.ID.String(),
		EventID:       eventID,
		CorrelationID: correlationID,
	}, nil
}

func (g *Gateway) submitError(c *okapi.Context, err error) error {
	if errors.Is(err, errQueueUnavailable) {
		return c.AbortServiceUnavailable("run queue unavailable, retry later")
	}
	return g.storageError(c, err)
}

// storageError maps storage errors to HTTP responses.
func (g *Gateway) storageError(c *okapi.Context, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "project not found"})
	}
	g.logger.Error("storage operation failed", slog.String("error", err.Error()))
	return c.AbortInternalServerError("storage error")
}

func bindValue(c *okapi.Context) (string, error) {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return "", errors.New("invalid request body")
	}
	value := strings.TrimSpace(req.Value)
	switch {
	case value == "":
		return "", errors.New("value is required")
	case len(value) > maxValueLength:
		return "", errors.New("value is too long")
	}
	return value, nil
}

func toProjectResponse(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID.String(),
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toMessageResponse(m *domain.Message) MessageResponse {
	resp := MessageResponse{
		ID:        m.ID.String(),
		Role:      string(m.Role),
		Kind:      string(m.Kind),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if f := m.Fragment; f != nil {
		resp.Fragment = &FragmentResponse{
			ID:         f.ID.String(),
			Title:      f.Title,
			SandboxURL: f.SandboxURL,
			Files:      f.Files,
		}
	}
	return resp
}

var (
	nameAdjectives = []string{
		"amber", "brave", "calm", "clever", "bright", "eager", "gentle", "happy",
		"lively", "lucky", "mellow", "nimble", "quiet", "rapid", "sunny", "swift",
	}
	nameNouns = []string{
		"badger", "cedar", "comet", "falcon", "harbor", "island", "lantern", "meadow",
		"otter", "pebble", "river", "sparrow", "summit", "tiger", "valley", "willow",
	}
)

// projectName returns a two-word kebab-case name such as "swift-otter".
func projectName() string {
	return nameAdjectives[rand.IntN(len(nameAdjectives))] + "-" + nameNouns[rand.IntN(len(nameNouns))]
}
