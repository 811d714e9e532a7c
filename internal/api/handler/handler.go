package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/resilient-worker/internal/producer"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"github.com/google/uuid"
)

// Submitter hands a job to the broker
type Submitter interface {
	Submit(ctx context.Context, job domain.Job) (producer.Receipt, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Submitter Submitter
}

// JobHandler handles job submission requests
type JobHandler struct {
	logger    *slog.Logger
	submitter Submitter
	newID     func() string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		submitter: deps.Submitter,
		newID:     uuid.NewString,
	}
}
