package portal

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// ErrManagerDisposed is returned by operations on a disposed manager.
var ErrManagerDisposed = errors.New("session manager disposed", errors.CategoryOperation).
	WithTextCode("SESSION_MANAGER_DISPOSED").
	WithCode(errors.CodeInternal)

// ErrProbeInFlight is returned when a connectivity probe is already running.
var ErrProbeInFlight = errors.New("connectivity probe already in flight", errors.CategoryOperation).
	WithTextCode("CONNECTIVITY_PROBE_IN_FLIGHT").
	WithCode(errors.CodeInternal)

// DefaultProbeTimeout bounds session-connectivity checks so a dead backend
// degrades to the login surface instead of hanging the portal.
var DefaultProbeTimeout = 5 * time.Second

// SessionManagerOption customizes SessionManager construction.
type SessionManagerOption func(*SessionManager)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) SessionManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNotifier sets the sink for user-facing notifications.
func WithNotifier(notifier Notifier) SessionManagerOption {
	return func(m *SessionManager) {
		m.notifier = normalizeNotifier(notifier)
	}
}

// WithActivitySink sets the ActivitySink used to publish auth events.
func WithActivitySink(sink ActivitySink) SessionManagerOption {
	return func(m *SessionManager) {
		m.sink = normalizeActivitySink(sink)
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithProbeTimeout bounds the initial session check and connectivity probes.
func WithProbeTimeout(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// SessionManager owns AuthState. It subscribes to the identity provider's
// session-change stream, resolves profiles for live sessions, and guards
// every in-flight resolution with a session epoch so a stale result can
// never overwrite fresher state.
type SessionManager struct {
	provider IdentityProvider
	profiles ProfileStore

	logger       Logger
	notifier     Notifier
	sink         ActivitySink
	now          func() time.Time
	probeTimeout time.Duration

	mu            sync.Mutex
	phase         Phase
	user          *User
	session       *Session
	epoch         uint64
	initialized   bool
	disposed      bool
	settled       bool
	activeOps     int
	subscribers   map[int]chan AuthState
	nextSubID     int
	probeInFlight bool

	sub  Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSessionManager returns a manager in its initial state: loading, no user.
// Call Initialize to start the session-change subscription and the first
// session check.
func NewSessionManager(provider IdentityProvider, profiles ProfileStore, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		provider:     provider,
		profiles:     profiles,
		logger:       defLogger{},
		notifier:     noopNotifier{},
		sink:         noopActivitySink{},
		now:          time.Now,
		probeTimeout: DefaultProbeTimeout,
		phase:        PhaseUnknown,
		subscribers:  map[int]chan AuthState{},
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Initialize starts the session-change subscription and performs one explicit
// current-session check. It returns once the initial check has settled;
// Loading is guaranteed false afterwards whether or not a session existed.
func (m *SessionManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	if m.initialized {
		m.mu.Unlock()
		return errors.New("session manager already initialized", errors.CategoryOperation).
			WithTextCode("SESSION_MANAGER_REINIT").
			WithCode(errors.CodeConflict)
	}
	m.initialized = true
	m.mu.Unlock()

	m.sub = m.provider.Subscribe()
	m.wg.Add(1)
	go m.consume()

	checkCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	session, err := m.provider.CurrentSession(checkCtx)
	switch {
	case err != nil:
		// Degrade to the login surface rather than blocking on "checking".
		m.logger.Warn("initial session check failed", "error", err)
		m.transitionTo(PhaseAnonymous, nil, nil)
	case session == nil:
		m.transitionTo(PhaseAnonymous, nil, nil)
	default:
		epoch := m.beginResolve(session)
		m.resolve(ctx, session, epoch)
	}

	m.settleLoading()
	return nil
}

// Dispose tears down the subscription and resets the manager to its initial
// state. Further calls on the manager fail with ErrManagerDisposed.
func (m *SessionManager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	close(m.done)
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.user = nil
	m.session = nil
	m.phase = PhaseUnknown
	m.settled = false
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
}

// State returns a snapshot of the current AuthState.
func (m *SessionManager) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Subscribe registers a consumer for AuthState snapshots. Slow consumers miss
// intermediate snapshots rather than stalling the manager. The returned
// function unregisters the consumer and closes the channel.
func (m *SessionManager) Subscribe() (<-chan AuthState, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan AuthState, 1)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Login submits credentials to the identity provider. On success it does NOT
// set the user: state settles asynchronously when the provider delivers the
// SIGNED_IN event, so provider-side effects (trigger-created profiles) are
// always re-read. The returned session is the transport result only.
func (m *SessionManager) Login(ctx context.Context, email, password string) (*Session, error) {
	if err := m.ensureUsable(); err != nil {
		return nil, err
	}

	m.beginOp()
	defer m.endOp()

	session, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		err = NormalizeAuthError(err)
		m.logger.Error("login failed", "email", email, "error", err)
		m.notifier.Error(loginErrorMessage(err))
		m.recordActivity(ctx, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Actor:     ActorRef{Type: "unknown"},
			Metadata:  map[string]any{"email": email, "error": err.Error()},
		})
		return nil, err
	}

	m.notifier.Success("Welcome back!")
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     ActorRef{ID: session.UserID, Type: "user"},
		UserID:    session.UserID,
		Metadata:  map[string]any{"email": email},
	})

	return session, nil
}

// Registration carries the full sign-up form. Phone is optional and expected
// already normalized (E.164).
type Registration struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// Register submits new-account data with student-role metadata. If the
// provider session is live and no profile exists yet, one is created
// explicitly; a duplicate-creation race with a backend trigger is tolerated.
func (m *SessionManager) Register(ctx context.Context, email, password, name string) error {
	return m.RegisterAccount(ctx, Registration{Email: email, Password: password, Name: name})
}

// RegisterAccount is Register with the full form, including the optional
// contact phone carried into provider metadata and the profile.
func (m *SessionManager) RegisterAccount(ctx context.Context, reg Registration) error {
	if err := m.ensureUsable(); err != nil {
		return err
	}

	m.beginOp()
	defer m.endOp()

	session, err := m.provider.SignUp(ctx, SignUpInput{
		Email:    reg.Email,
		Password: reg.Password,
		Name:     reg.Name,
		Phone:    reg.Phone,
		Role:     RoleStudent,
	})
	if err != nil {
		err = NormalizeAuthError(err)
		m.logger.Error("registration failed", "email", reg.Email, "error", err)
		m.notifier.Error(registerErrorMessage(err))
		m.recordActivity(ctx, ActivityEvent{
			EventType: ActivityEventRegisterFailure,
			Actor:     ActorRef{Type: "unknown"},
			Metadata:  map[string]any{"email": reg.Email, "error": err.Error()},
		})
		return err
	}

	// Providers that require email confirmation return no session here; the
	// profile is then created lazily on the first SIGNED_IN resolution.
	if session != nil {
		m.ensureProfile(ctx, session, reg)
	}

	m.notifier.Success("Registration successful! Check your email to confirm your account.")
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventRegisterSuccess,
		Actor:     ActorRef{Type: "user"},
		Metadata:  map[string]any{"email": reg.Email},
	})

	return nil
}

// Logout invalidates the session with the provider and unconditionally clears
// local state: whatever the provider answers, we never keep pointing at a
// dead session. The epoch bump happens first so in-flight profile fetches are
// discarded.
func (m *SessionManager) Logout(ctx context.Context) error {
	if err := m.ensureUsable(); err != nil {
		return err
	}

	m.beginOp()
	defer m.endOp()

	m.mu.Lock()
	m.epoch++
	userID := ""
	if m.user != nil {
		userID = m.user.ID
	}
	m.mu.Unlock()

	err := m.provider.SignOut(ctx)

	m.transitionTo(PhaseAnonymous, nil, nil)
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventLogout,
		Actor:     ActorRef{ID: userID, Type: "user"},
		UserID:    userID,
	})

	if err != nil {
		err = NormalizeAuthError(err)
		m.logger.Warn("provider sign-out failed, local state cleared anyway", "error", err)
		m.notifier.Error("Logout did not complete cleanly")
		return err
	}

	m.notifier.Success("Logged out successfully")
	return nil
}

// CheckConnectivity performs one bounded current-session probe against the
// provider. At most one probe runs at a time; concurrent callers get
// ErrProbeInFlight instead of piling up checks.
func (m *SessionManager) CheckConnectivity(ctx context.Context) error {
	m.mu.Lock()
	if m.probeInFlight {
		m.mu.Unlock()
		return ErrProbeInFlight
	}
	m.probeInFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.probeInFlight = false
		m.mu.Unlock()
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if _, err := m.provider.CurrentSession(probeCtx); err != nil {
		return networkError(err)
	}
	return nil
}

func (m *SessionManager) consume() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case evt, ok := <-m.sub.Events():
			if !ok {
				return
			}
			m.handleEvent(evt)
		}
	}
}

func (m *SessionManager) handleEvent(evt SessionEvent) {
	switch evt.Type {
	case EventSignedIn:
		if evt.Session == nil {
			m.logger.Warn("SIGNED_IN event without session, ignoring")
			return
		}
		epoch := m.beginResolve(evt.Session)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
			defer cancel()
			m.resolve(ctx, evt.Session, epoch)
		}()

	case EventTokenRefreshed:
		m.handleRefresh(evt.Session)

	case EventSignedOut:
		m.mu.Lock()
		m.epoch++
		m.mu.Unlock()
		m.transitionTo(PhaseAnonymous, nil, nil)
		m.recordActivity(context.Background(), ActivityEvent{
			EventType: ActivityEventSessionCleared,
			Actor:     ActorRef{Type: "system"},
		})

	default:
		m.logger.Debug("ignoring unknown session event", "type", evt.Type)
	}
}

// handleRefresh swaps the token snapshot without re-fetching the profile,
// unless the refreshed token carries a different identity.
func (m *SessionManager) handleRefresh(session *Session) {
	if session == nil {
		return
	}

	m.mu.Lock()
	sameIdentity := m.session != nil && m.session.UserID == session.UserID
	if sameIdentity {
		m.session = session
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("token refresh changed identity, re-resolving profile", "user_id", session.UserID)
	epoch := m.beginResolve(session)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
		defer cancel()
		m.resolve(ctx, session, epoch)
	}()
}

// beginResolve records the session as current, advances the epoch so older
// in-flight fetches become stale, and moves the machine to ResolvingProfile.
func (m *SessionManager) beginResolve(session *Session) uint64 {
	m.mu.Lock()
	m.session = session
	m.epoch++
	epoch := m.epoch
	m.setPhaseLocked(PhaseResolvingProfile)
	m.broadcastLocked()
	m.mu.Unlock()
	return epoch
}

// resolve fetches the profile for a live session and commits it if the
// session is still current. A missing profile is created lazily from session
// metadata; any other failure resolves to Anonymous (fail closed).
func (m *SessionManager) resolve(ctx context.Context, session *Session, epoch uint64) {
	profile, err := m.profiles.GetByID(ctx, session.UserID)
	if err != nil && IsProfileNotFound(err) {
		profile, err = m.createProfileFromSession(ctx, session)
	}

	if err != nil {
		if m.isStale(epoch) {
			m.logger.Debug("discarding stale profile resolution", "user_id", session.UserID)
			return
		}
		m.logger.Error("profile resolution failed", "user_id", session.UserID, "error", err)
		m.notifier.Error("Error fetching user profile")
		m.transitionIfCurrent(epoch, PhaseAnonymous, nil, nil)
		return
	}

	committed := m.transitionIfCurrent(epoch, PhaseAuthenticated, MergeUser(profile, session), session)
	if !committed {
		m.logger.Debug("discarding stale profile resolution", "user_id", session.UserID)
		return
	}

	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventSessionResolved,
		Actor:     ActorRef{ID: session.UserID, Type: "user"},
		UserID:    session.UserID,
		Metadata:  map[string]any{"role": profile.Role},
	})
}

// createProfileFromSession materializes the profile a backend trigger should
// have created. GetOrCreate tolerates losing the race to the trigger.
func (m *SessionManager) createProfileFromSession(ctx context.Context, session *Session) (*Profile, error) {
	profile := &Profile{
		ID:    profileID(session),
		Email: session.Email,
		Name:  sessionMetaString(session, "name"),
		Phone: sessionMetaString(session, "phone"),
		Role:  RoleStudent,
	}
	if role := sessionMetaString(session, "role"); ValidRole(role) {
		profile.Role = role
	}
	profile.EnsureDefaults()

	created, err := m.profiles.GetOrCreate(ctx, profile)
	if err != nil {
		return nil, err
	}

	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventProfileCreated,
		Actor:     ActorRef{ID: session.UserID, Type: "user"},
		UserID:    session.UserID,
		Metadata:  map[string]any{"role": created.Role},
	})

	return created, nil
}

// ensureProfile backs the registration path: create the profile if the
// provider did not, logging (not failing) a duplicate-creation race.
func (m *SessionManager) ensureProfile(ctx context.Context, session *Session, reg Registration) {
	_, err := m.profiles.GetByID(ctx, session.UserID)
	if err == nil {
		return
	}
	if !IsProfileNotFound(err) {
		m.logger.Warn("profile lookup after registration failed", "user_id", session.UserID, "error", err)
		return
	}

	profile := &Profile{
		ID:    profileID(session),
		Email: session.Email,
		Name:  reg.Name,
		Phone: reg.Phone,
		Role:  RoleStudent,
	}
	profile.EnsureDefaults()

	if _, err := m.profiles.GetOrCreate(ctx, profile); err != nil {
		m.logger.Warn("profile creation after registration failed", "user_id", session.UserID, "error", err)
		return
	}

	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventProfileCreated,
		Actor:     ActorRef{ID: session.UserID, Type: "user"},
		UserID:    session.UserID,
		Metadata:  map[string]any{"role": RoleStudent},
	})
}

func (m *SessionManager) isStale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch != m.epoch
}

// transitionIfCurrent commits a phase/user change only if the epoch the
// caller captured is still the live one. Stale resolutions are discarded.
func (m *SessionManager) transitionIfCurrent(epoch uint64, phase Phase, user *User, session *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return false
	}
	m.setPhaseLocked(phase)
	m.user = user
	if session != nil {
		m.session = session
	}
	if user == nil {
		m.session = nil
	}
	m.broadcastLocked()
	return true
}

func (m *SessionManager) transitionTo(phase Phase, user *User, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPhaseLocked(phase)
	m.user = user
	m.session = session
	m.broadcastLocked()
}

func (m *SessionManager) setPhaseLocked(to Phase) {
	if !CanTransition(m.phase, to) {
		m.logger.Warn("phase transition outside the table", "error", invalidPhaseTransition(m.phase, to))
	}
	m.phase = to
}

func (m *SessionManager) stateLocked() AuthState {
	var user *User
	if m.user != nil {
		u := *m.user
		user = &u
	}
	return AuthState{
		User:    user,
		Phase:   m.phase,
		Loading: !m.settled || m.activeOps > 0,
	}
}

func (m *SessionManager) broadcastLocked() {
	state := m.stateLocked()
	for _, ch := range m.subscribers {
		select {
		case ch <- state:
		default:
			// Drop the stale snapshot so a fresh one can take its place.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

func (m *SessionManager) settleLoading() {
	m.mu.Lock()
	already := m.settled
	m.settled = true
	m.broadcastLocked()
	m.mu.Unlock()
	if already {
		m.logger.Debug("loading already settled")
	}
}

func (m *SessionManager) beginOp() {
	m.mu.Lock()
	m.activeOps++
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *SessionManager) endOp() {
	m.mu.Lock()
	if m.activeOps > 0 {
		m.activeOps--
	}
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *SessionManager) ensureUsable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrManagerDisposed
	}
	return nil
}

func (m *SessionManager) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: "system"}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.now()
	}
	if err := m.sink.Record(ctx, event); err != nil {
		m.logger.Warn("activity sink record error: %v", err)
	}
}

// profileID keys the profile by the session subject; a provider that hands
// out non-UUID subjects falls back to a deterministic UUID from the email.
func profileID(session *Session) uuid.UUID {
	if id, err := uuid.Parse(session.UserID); err == nil {
		return id
	}
	if id, err := hashid.NewUUID(session.Email); err == nil {
		return id
	}
	return uuid.New()
}

func sessionMetaString(session *Session, key string) string {
	if session == nil || session.Data == nil {
		return ""
	}
	if v, ok := session.Data[key].(string); ok {
		return v
	}
	return ""
}

func loginErrorMessage(err error) string {
	switch {
	case IsNetworkError(err):
		return "Cannot reach the server, please try again"
	default:
		return "Invalid login credentials"
	}
}

func registerErrorMessage(err error) string {
	switch {
	case stderrors.Is(err, ErrAlreadyRegistered), hasTextCode(err, TextCodeAlreadyRegistered):
		return "An account with this email already exists"
	case stderrors.Is(err, ErrWeakPassword), hasTextCode(err, TextCodeWeakPassword):
		return "Password does not meet requirements"
	case IsNetworkError(err):
		return "Cannot reach the server, please try again"
	default:
		return "Registration failed"
	}
}
