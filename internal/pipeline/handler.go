package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/model"
)

// StageHandler runs one pipeline stage and returns an output-id (build-id,
// deployment-id, or similar) that callers can resolve against the owning
// component: a pipeline finds its outputs via the output-id recorded on
// each stage.
type StageHandler interface {
	Run(ctx context.Context, p *model.Pipeline, stage *model.Stage) (outputID string, err error)
}

// StageHandlerFunc adapts a function to StageHandler.
type StageHandlerFunc func(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error)

func (f StageHandlerFunc) Run(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
	return f(ctx, p, stage)
}

// defaultHandler is used for any stage with no handler registered: it
// succeeds immediately with a synthetic output-id, useful for testing and
// for piloting a pipeline without the heavy executors wired in yet.
type defaultHandler struct{}

func (defaultHandler) Run(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
	return "default-" + uuid.New().String(), nil
}
