package portal

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// NewProfileStore adapts the bun-backed Profiles repository to the
// ProfileStore contract the SessionManager consumes: string identity keys in,
// portal taxonomy errors out.
func NewProfileStore(repo Profiles) ProfileStore {
	return &repoProfileStore{repo: repo}
}

type repoProfileStore struct {
	repo Profiles
}

var _ ProfileStore = (*repoProfileStore)(nil)

func (s *repoProfileStore) GetByID(ctx context.Context, id string) (*Profile, error) {
	profile, err := s.repo.GetByIdentifier(ctx, id)
	if err != nil {
		return nil, s.normalize(err, id)
	}
	return profile, nil
}

func (s *repoProfileStore) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	profile, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, s.normalize(err, email)
	}
	return profile, nil
}

func (s *repoProfileStore) Create(ctx context.Context, profile *Profile) (*Profile, error) {
	return s.repo.Create(ctx, profile)
}

func (s *repoProfileStore) GetOrCreate(ctx context.Context, profile *Profile) (*Profile, error) {
	return s.repo.GetOrCreate(ctx, profile)
}

func (s *repoProfileStore) UpdateRole(ctx context.Context, id string, role Role) (*Profile, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, s.normalize(repository.NewRecordNotFound(), id)
	}

	profile, err := s.repo.UpdateRole(ctx, uid, role)
	if err != nil {
		return nil, s.normalize(err, id)
	}
	return profile, nil
}

func (s *repoProfileStore) AddPoints(ctx context.Context, id string, delta int) (*Profile, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, s.normalize(repository.NewRecordNotFound(), id)
	}

	profile, err := s.repo.AddPoints(ctx, uid, delta)
	if err != nil {
		return nil, s.normalize(err, id)
	}
	return profile, nil
}

func (s *repoProfileStore) normalize(err error, identifier string) error {
	if repository.IsRecordNotFound(err) {
		clone := ErrProfileNotFound.Clone()
		clone.Source = err
		return clone.WithMetadata(map[string]any{"identifier": identifier})
	}
	return err
}
