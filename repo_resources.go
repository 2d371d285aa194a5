package portal

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Resources is the repository for uploaded learning resources.
type Resources interface {
	repository.Repository[*Resource]

	Create(ctx context.Context, record *Resource, criteria ...repository.InsertCriteria) (*Resource, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Resource, criteria ...repository.InsertCriteria) (*Resource, error)
	ListByStatus(ctx context.Context, status ResourceStatus) ([]*Resource, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Resource, error)
	CountByStatus(ctx context.Context, status ResourceStatus) (int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ResourceStatus, opts ...ResourceUpdateOption) (*Resource, error)
	UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status ResourceStatus, opts ...ResourceUpdateOption) (*Resource, error)
}

// ResourceUpdateOption mutates the record before persisting a status change.
type ResourceUpdateOption func(*Resource)

// WithReviewedAt sets the review timestamp recorded on a status change.
func WithReviewedAt(at *time.Time) ResourceUpdateOption {
	return func(r *Resource) {
		r.ReviewedAt = at
	}
}

// WithReviewNote attaches the reviewer's note.
func WithReviewNote(note string) ResourceUpdateOption {
	return func(r *Resource) {
		r.ReviewNote = note
	}
}

// WithReviewedBy records which actor performed the review.
func WithReviewedBy(actorID string) ResourceUpdateOption {
	return func(r *Resource) {
		r.ReviewedBy = actorID
	}
}

type resources struct {
	repository.Repository[*Resource]
	db *bun.DB
}

var (
	_ Resources                        = (*resources)(nil)
	_ repository.Repository[*Resource] = (*resources)(nil)
)

func NewResourcesRepository(db *bun.DB) Resources {
	repo := repository.NewRepository[*Resource](db, repository.ModelHandlers[*Resource]{
		NewRecord: func() *Resource { return &Resource{} },
		GetID: func(r *Resource) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *Resource, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
	})

	return &resources{
		Repository: repo,
		db:         db,
	}
}

func (a *resources) Create(ctx context.Context, record *Resource, criteria ...repository.InsertCriteria) (*Resource, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *resources) CreateTx(ctx context.Context, tx bun.IDB, record *Resource, criteria ...repository.InsertCriteria) (*Resource, error) {
	prepareResourceDefaults(record)
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *resources) ListByStatus(ctx context.Context, status ResourceStatus) ([]*Resource, error) {
	var records []*Resource
	err := a.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", status).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (a *resources) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Resource, error) {
	var records []*Resource
	err := a.db.NewSelect().
		Model(&records).
		Where("?TableAlias.owner_id = ?", ownerID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (a *resources) CountByStatus(ctx context.Context, status ResourceStatus) (int, error) {
	return a.db.NewSelect().
		Model((*Resource)(nil)).
		Where("?TableAlias.status = ?", status).
		Count(ctx)
}

func (a *resources) UpdateStatus(ctx context.Context, id uuid.UUID, status ResourceStatus, opts ...ResourceUpdateOption) (*Resource, error) {
	return a.UpdateStatusTx(ctx, a.db, id, status, opts...)
}

func (a *resources) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status ResourceStatus, opts ...ResourceUpdateOption) (*Resource, error) {
	record := &Resource{
		ID:     id,
		Status: status,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(record)
		}
	}

	return a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
}

func prepareResourceDefaults(record *Resource) {
	if record == nil {
		return
	}

	record.EnsureStatus()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}
