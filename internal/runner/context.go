package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

type runInfo struct {
	projectID uuid.UUID
	eventID   string
}

type runInfoKey struct{}

func withRunInfo(ctx context.Context, info runInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

func runInfoFrom(ctx context.Context) (runInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(runInfo)
	return info, ok
}

// newCorrelationID returns a short random identifier for log correlation.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
