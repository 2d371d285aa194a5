package portal

import (
	"context"
	"net/mail"
	"strings"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var AddProfilePointsSQL = `UPDATE "profiles" AS "pro"
SET
	"points" = "points" + ?,
	"updated_at" = current_timestamp
WHERE
	"pro"."deleted_at" IS NULL
AND (
	"pro"."id" = ?
) RETURNING *;`

// Profiles is the repository for Profile records.
type Profiles interface {
	repository.Repository[*Profile]

	Create(ctx context.Context, record *Profile, criteria ...repository.InsertCriteria) (*Profile, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Profile, criteria ...repository.InsertCriteria) (*Profile, error)
	GetOrCreate(ctx context.Context, record *Profile) (*Profile, error)
	GetOrCreateTx(ctx context.Context, tx bun.IDB, record *Profile) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role Role) (*Profile, error)
	UpdateRoleTx(ctx context.Context, tx bun.IDB, id uuid.UUID, role Role) (*Profile, error)
	AddPoints(ctx context.Context, id uuid.UUID, delta int) (*Profile, error)
	AddPointsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, delta int) (*Profile, error)
}

type profiles struct {
	repository.Repository[*Profile]
	db *bun.DB
}

var (
	_ Profiles                        = (*profiles)(nil)
	_ repository.Repository[*Profile] = (*profiles)(nil)
)

func NewProfilesRepository(db *bun.DB) Profiles {
	repo := repository.NewRepository[*Profile](db, repository.ModelHandlers[*Profile]{
		NewRecord: func() *Profile { return &Profile{} },
		GetID: func(p *Profile) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *Profile, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &profiles{
		Repository: repo,
		db:         db,
	}
}

func (a *profiles) Create(ctx context.Context, record *Profile, criteria ...repository.InsertCriteria) (*Profile, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *profiles) CreateTx(ctx context.Context, tx bun.IDB, record *Profile, criteria ...repository.InsertCriteria) (*Profile, error) {
	prepareProfileDefaults(record)
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *profiles) GetOrCreate(ctx context.Context, record *Profile) (*Profile, error) {
	return a.GetOrCreateTx(ctx, a.db, record)
}

func (a *profiles) GetOrCreateTx(ctx context.Context, tx bun.IDB, record *Profile) (*Profile, error) {
	identifier := record.Email
	if record.ID != uuid.Nil {
		identifier = record.ID.String()
	}

	profile, err := a.Repository.GetByIdentifierTx(ctx, tx, identifier)
	if err == nil {
		return profile, nil
	}

	if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	return a.CreateTx(ctx, tx, record)
}

func (a *profiles) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	trimmed := strings.TrimSpace(email)
	if _, err := mail.ParseAddress(trimmed); err != nil {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{"email": email})
	}

	record := &Profile{}
	err := a.db.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", trimmed).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"email": email})
		}
		return nil, err
	}

	return record, nil
}

func (a *profiles) UpdateRole(ctx context.Context, id uuid.UUID, role Role) (*Profile, error) {
	return a.UpdateRoleTx(ctx, a.db, id, role)
}

func (a *profiles) UpdateRoleTx(ctx context.Context, tx bun.IDB, id uuid.UUID, role Role) (*Profile, error) {
	if !ValidRole(role) {
		return nil, errInvalidRole(role)
	}

	record := &Profile{
		ID:   id,
		Role: role,
	}

	return a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
}

func (a *profiles) AddPoints(ctx context.Context, id uuid.UUID, delta int) (*Profile, error) {
	return a.AddPointsTx(ctx, a.db, id, delta)
}

func (a *profiles) AddPointsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, delta int) (*Profile, error) {
	res, err := a.Repository.RawTx(ctx, tx, AddProfilePointsSQL, delta, id.String())
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{"id": id.String()})
	}

	return res[0], nil
}

func prepareProfileDefaults(record *Profile) {
	if record == nil {
		return
	}

	record.EnsureDefaults()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}
