package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/partscout/partscout/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations except the
// credit ledger go through here; the ledger has its own locking boundary.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultAccount(ctx context.Context) (*models.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsForOwner(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error)
}

// JobFilter narrows and paginates ListJobsForOwner. Results are ordered by
// created_at descending.
type JobFilter struct {
	OwnerID uuid.UUID
	Status  string
	Page    int
	Limit   int
}

// JobPatch is the accumulated partial update built from JobUpdateOptions.
// Exported so fakes can apply the same semantics the real store does.
type JobPatch struct {
	Stage           *string
	ProgressPercent *int
	Status          *string
	ErrorDetail     *string
	ResultRef       *string
	CreditTxnID     *uuid.UUID
	Retry           bool
}

type JobUpdateOption func(*JobPatch)

// BuildJobPatch folds options into a patch.
func BuildJobPatch(opts ...JobUpdateOption) JobPatch {
	var p JobPatch
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithStage advances the persisted stage and progress percentage. The update
// is silently dropped if it would move the stage backward.
func WithStage(stage string, progressPercent int) JobUpdateOption {
	return func(p *JobPatch) {
		p.Stage = &stage
		p.ProgressPercent = &progressPercent
	}
}

func WithStatus(status string) JobUpdateOption {
	return func(p *JobPatch) {
		p.Status = &status
	}
}

func WithErrorDetail(detail string) JobUpdateOption {
	return func(p *JobPatch) {
		p.ErrorDetail = &detail
	}
}

func WithResultRef(ref string) JobUpdateOption {
	return func(p *JobPatch) {
		p.ResultRef = &ref
	}
}

func WithCreditTxnID(id uuid.UUID) JobUpdateOption {
	return func(p *JobPatch) {
		p.CreditTxnID = &id
	}
}

// AsRetry resets the job to the initial stage with zero progress and
// increments the attempt counter. It is the only update allowed to move the
// stage backward, and is still rejected on terminal jobs.
func AsRetry() JobUpdateOption {
	return func(p *JobPatch) {
		p.Retry = true
	}
}
