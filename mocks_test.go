package portal_test

import (
	"context"
	"io"
	"sync"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	portal "github.com/learnloop/go-portal"
)

// MockProfileStore implements portal.ProfileStore
type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) GetByID(ctx context.Context, id string) (*portal.Profile, error) {
	args := m.Called(ctx, id)
	profile, _ := args.Get(0).(*portal.Profile)
	return profile, args.Error(1)
}

func (m *MockProfileStore) GetByEmail(ctx context.Context, email string) (*portal.Profile, error) {
	args := m.Called(ctx, email)
	profile, _ := args.Get(0).(*portal.Profile)
	return profile, args.Error(1)
}

func (m *MockProfileStore) Create(ctx context.Context, profile *portal.Profile) (*portal.Profile, error) {
	args := m.Called(ctx, profile)
	created, _ := args.Get(0).(*portal.Profile)
	return created, args.Error(1)
}

func (m *MockProfileStore) GetOrCreate(ctx context.Context, profile *portal.Profile) (*portal.Profile, error) {
	args := m.Called(ctx, profile)
	created, _ := args.Get(0).(*portal.Profile)
	return created, args.Error(1)
}

func (m *MockProfileStore) UpdateRole(ctx context.Context, id string, role portal.Role) (*portal.Profile, error) {
	args := m.Called(ctx, id, role)
	profile, _ := args.Get(0).(*portal.Profile)
	return profile, args.Error(1)
}

func (m *MockProfileStore) AddPoints(ctx context.Context, id string, delta int) (*portal.Profile, error) {
	args := m.Called(ctx, id, delta)
	profile, _ := args.Get(0).(*portal.Profile)
	return profile, args.Error(1)
}

// funcProfileStore lets concurrency tests script lookups with plain functions
// and gate them on channels.
type funcProfileStore struct {
	GetByIDFunc     func(ctx context.Context, id string) (*portal.Profile, error)
	GetOrCreateFunc func(ctx context.Context, profile *portal.Profile) (*portal.Profile, error)
}

func (s *funcProfileStore) GetByID(ctx context.Context, id string) (*portal.Profile, error) {
	return s.GetByIDFunc(ctx, id)
}

func (s *funcProfileStore) GetByEmail(ctx context.Context, email string) (*portal.Profile, error) {
	return nil, portal.ErrProfileNotFound
}

func (s *funcProfileStore) Create(ctx context.Context, profile *portal.Profile) (*portal.Profile, error) {
	return profile, nil
}

func (s *funcProfileStore) GetOrCreate(ctx context.Context, profile *portal.Profile) (*portal.Profile, error) {
	if s.GetOrCreateFunc != nil {
		return s.GetOrCreateFunc(ctx, profile)
	}
	return profile, nil
}

func (s *funcProfileStore) UpdateRole(ctx context.Context, id string, role portal.Role) (*portal.Profile, error) {
	return nil, portal.ErrProfileNotFound
}

func (s *funcProfileStore) AddPoints(ctx context.Context, id string, delta int) (*portal.Profile, error) {
	return nil, portal.ErrProfileNotFound
}

// fakeProvider is a scripted identity provider with a real event stream. Its
// Sign* methods emit the same lifecycle events the production providers do.
type fakeProvider struct {
	mu      sync.Mutex
	session *portal.Session
	subs    map[int]chan portal.SessionEvent
	nextSub int

	SignInFunc  func(ctx context.Context, email, password string) (*portal.Session, error)
	SignUpFunc  func(ctx context.Context, input portal.SignUpInput) (*portal.Session, error)
	SignOutErr  error
	CurrentFunc func(ctx context.Context) (*portal.Session, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: map[int]chan portal.SessionEvent{}}
}

func (p *fakeProvider) SignIn(ctx context.Context, email, password string) (*portal.Session, error) {
	if p.SignInFunc == nil {
		return nil, portal.ErrInvalidCredentials
	}
	session, err := p.SignInFunc(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.setSession(session)
	p.Emit(portal.SessionEvent{Type: portal.EventSignedIn, Session: session})
	return session, nil
}

func (p *fakeProvider) SignUp(ctx context.Context, input portal.SignUpInput) (*portal.Session, error) {
	if p.SignUpFunc == nil {
		return nil, portal.ErrUnknown
	}
	session, err := p.SignUpFunc(ctx, input)
	if err != nil {
		return nil, err
	}
	if session != nil {
		p.setSession(session)
		p.Emit(portal.SessionEvent{Type: portal.EventSignedIn, Session: session})
	}
	return session, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.setSession(nil)
	p.Emit(portal.SessionEvent{Type: portal.EventSignedOut})
	return p.SignOutErr
}

func (p *fakeProvider) CurrentSession(ctx context.Context) (*portal.Session, error) {
	if p.CurrentFunc != nil {
		return p.CurrentFunc(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, nil
}

func (p *fakeProvider) Subscribe() portal.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	ch := make(chan portal.SessionEvent, 16)
	p.subs[id] = ch
	return &fakeSubscription{provider: p, id: id, ch: ch}
}

func (p *fakeProvider) Emit(evt portal.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		ch <- evt
	}
}

func (p *fakeProvider) setSession(session *portal.Session) {
	p.mu.Lock()
	p.session = session
	p.mu.Unlock()
}

type fakeSubscription struct {
	provider *fakeProvider
	id       int
	ch       chan portal.SessionEvent
	once     sync.Once
}

func (s *fakeSubscription) Events() <-chan portal.SessionEvent {
	return s.ch
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.provider.mu.Lock()
		delete(s.provider.subs, s.id)
		s.provider.mu.Unlock()
		close(s.ch)
	})
}

// capturingSink records activity events for assertions.
type capturingSink struct {
	mu     sync.Mutex
	events []portal.ActivityEvent
}

func (s *capturingSink) Record(ctx context.Context, event portal.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *capturingSink) Events() []portal.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]portal.ActivityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// recordingNotifier captures user-facing notices.
type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (n *recordingNotifier) Success(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, message)
}

func (n *recordingNotifier) Error(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, message)
}

func (n *recordingNotifier) Successes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.successes))
	copy(out, n.successes)
	return out
}

func (n *recordingNotifier) Failures() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.failures))
	copy(out, n.failures)
	return out
}

// MockResources implements the subset of portal.Resources the review
// machinery touches. Unscripted repository methods panic if reached.
type MockResources struct {
	portal.Resources
	mock.Mock
}

func (m *MockResources) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*portal.Resource, error) {
	args := m.Called(ctx, identifier)
	resource, _ := args.Get(0).(*portal.Resource)
	return resource, args.Error(1)
}

func (m *MockResources) Create(ctx context.Context, record *portal.Resource, criteria ...repository.InsertCriteria) (*portal.Resource, error) {
	args := m.Called(ctx, record)
	resource, _ := args.Get(0).(*portal.Resource)
	return resource, args.Error(1)
}

func (m *MockResources) UpdateStatus(ctx context.Context, id uuid.UUID, status portal.ResourceStatus, opts ...portal.ResourceUpdateOption) (*portal.Resource, error) {
	args := m.Called(ctx, id, status, opts)
	resource, _ := args.Get(0).(*portal.Resource)
	return resource, args.Error(1)
}

func (m *MockResources) ListByStatus(ctx context.Context, status portal.ResourceStatus) ([]*portal.Resource, error) {
	args := m.Called(ctx, status)
	records, _ := args.Get(0).([]*portal.Resource)
	return records, args.Error(1)
}

func (m *MockResources) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*portal.Resource, error) {
	args := m.Called(ctx, ownerID)
	records, _ := args.Get(0).([]*portal.Resource)
	return records, args.Error(1)
}

// MockProfilesRepo implements the subset of portal.Profiles the resource
// library touches.
type MockProfilesRepo struct {
	portal.Profiles
	mock.Mock
}

func (m *MockProfilesRepo) AddPoints(ctx context.Context, id uuid.UUID, delta int) (*portal.Profile, error) {
	args := m.Called(ctx, id, delta)
	profile, _ := args.Get(0).(*portal.Profile)
	return profile, args.Error(1)
}

// MockFileStore implements portal.FileStore
type MockFileStore struct {
	mock.Mock
}

func (m *MockFileStore) Upload(ctx context.Context, key string, contentType string, body io.Reader) error {
	args := m.Called(ctx, key, contentType, body)
	return args.Error(0)
}

func (m *MockFileStore) PublicURL(key string) string {
	args := m.Called(key)
	return args.String(0)
}
