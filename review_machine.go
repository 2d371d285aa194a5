package portal

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	textCodeInvalidReviewTransition = "INVALID_RESOURCE_STATUS_TRANSITION"
	textCodeTerminalReviewStatus    = "TERMINAL_RESOURCE_STATUS"
)

// ErrInvalidReviewTransition is returned when a requested status change is not allowed.
var ErrInvalidReviewTransition = goerrors.New("invalid resource status transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidReviewTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrTerminalReviewStatus is returned when attempting to move away from a terminal status (archived).
var ErrTerminalReviewStatus = goerrors.New("resource status is terminal", goerrors.CategoryConflict).
	WithTextCode(textCodeTerminalReviewStatus).
	WithCode(goerrors.CodeConflict)

// ReviewMetadata captures extra context for a review transition.
type ReviewMetadata struct {
	Reason   string
	Metadata map[string]any
}

// ReviewContext is passed into hooks for additional processing.
type ReviewContext struct {
	Actor    ActorRef
	Resource *Resource
	From     ResourceStatus
	To       ResourceStatus
	Meta     ReviewMetadata
}

// ReviewHook is executed before or after a transition.
type ReviewHook func(ctx context.Context, rc ReviewContext) error

// ReviewHookPhase identifies whether a hook ran before or after persistence.
type ReviewHookPhase string

const (
	ReviewHookBefore ReviewHookPhase = "before_review"
	ReviewHookAfter  ReviewHookPhase = "after_review"
)

// ReviewOption customizes a single transition.
type ReviewOption func(*reviewOptions)

// ReviewStateMachine defines the review lifecycle for uploaded resources.
type ReviewStateMachine interface {
	Transition(ctx context.Context, actor ActorRef, resource *Resource, target ResourceStatus, opts ...ReviewOption) (*Resource, error)
	CurrentStatus(resource *Resource) ResourceStatus
}

// ReviewHookErrorHandler handles errors surfaced by review hooks.
type ReviewHookErrorHandler func(ctx context.Context, phase ReviewHookPhase, err error, rc ReviewContext) error

// ReviewMachineOption customizes state machine construction.
type ReviewMachineOption func(*reviewStateMachine)

// WithReviewMachineClock injects a custom clock (useful for tests).
func WithReviewMachineClock(clock func() time.Time) ReviewMachineOption {
	return func(sm *reviewStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithReviewMachineActivitySink sets the ActivitySink used to publish review events.
func WithReviewMachineActivitySink(sink ActivitySink) ReviewMachineOption {
	return func(sm *reviewStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithReviewMachineHookErrorHandler overrides how hook failures are propagated.
// The default handler panics with guidance for developers.
func WithReviewMachineHookErrorHandler(handler ReviewHookErrorHandler) ReviewMachineOption {
	return func(sm *reviewStateMachine) {
		if handler != nil {
			sm.hookErrorHandler = handler
		}
	}
}

// WithReviewMachineLogger overrides the logger used for sink failures.
func WithReviewMachineLogger(logger Logger) ReviewMachineOption {
	return func(sm *reviewStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithReviewReason sets the human-readable reason for the transition.
func WithReviewReason(reason string) ReviewOption {
	return func(opts *reviewOptions) {
		opts.metadata.Reason = reason
	}
}

// WithReviewMetadata merges metadata into the review context.
func WithReviewMetadata(metadata map[string]any) ReviewOption {
	return func(opts *reviewOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithForceReview bypasses validation rules (use sparingly).
func WithForceReview() ReviewOption {
	return func(opts *reviewOptions) {
		opts.force = true
	}
}

// WithBeforeReviewHook adds a hook executed before the status update.
func WithBeforeReviewHook(h ReviewHook) ReviewOption {
	return func(opts *reviewOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterReviewHook adds a hook executed after the status update succeeds.
func WithAfterReviewHook(h ReviewHook) ReviewOption {
	return func(opts *reviewOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// WithReviewTime overrides the timestamp recorded when entering a reviewed state.
func WithReviewTime(t time.Time) ReviewOption {
	return func(opts *reviewOptions) {
		opts.reviewTime = &t
	}
}

// NewReviewStateMachine returns the default implementation backed by the provided repository.
func NewReviewStateMachine(resources Resources, opts ...ReviewMachineOption) ReviewStateMachine {
	sm := &reviewStateMachine{
		resources: resources,
		transitions: map[ResourceStatus]map[ResourceStatus]struct{}{
			ResourceStatusPending: {
				ResourceStatusApproved: {},
				ResourceStatusRejected: {},
			},
			ResourceStatusApproved: {
				ResourceStatusArchived: {},
			},
			ResourceStatusRejected: {
				// Resubmission sends a rejected upload back to review.
				ResourceStatusPending: {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
		hookErrorHandler: func(ctx context.Context, phase ReviewHookPhase, err error, rc ReviewContext) error {
			return defaultReviewHookErrorHandler(ctx, phase, err, rc)
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type reviewStateMachine struct {
	resources        Resources
	transitions      map[ResourceStatus]map[ResourceStatus]struct{}
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	hookErrorHandler ReviewHookErrorHandler
}

type reviewOptions struct {
	metadata    ReviewMetadata
	force       bool
	beforeHooks []ReviewHook
	afterHooks  []ReviewHook
	reviewTime  *time.Time
}

func (o *reviewOptions) cloneMetadata() ReviewMetadata {
	var cloned map[string]any
	if len(o.metadata.Metadata) > 0 {
		cloned = make(map[string]any, len(o.metadata.Metadata))
		for k, v := range o.metadata.Metadata {
			cloned[k] = v
		}
	}

	return ReviewMetadata{
		Reason:   o.metadata.Reason,
		Metadata: cloned,
	}
}

func (sm *reviewStateMachine) Transition(ctx context.Context, actor ActorRef, resource *Resource, target ResourceStatus, opts ...ReviewOption) (*Resource, error) {
	if resource == nil {
		return nil, ErrInvalidReviewTransition.WithMetadata(map[string]any{
			"target": target,
			"reason": "resource is nil",
		})
	}

	resource.EnsureStatus()
	from := resource.Status
	if target == "" {
		return nil, ErrInvalidReviewTransition.WithMetadata(map[string]any{
			"reason": "target status is empty",
		})
	}

	if from == target {
		return resource, nil
	}

	options := sm.buildReviewOptions(opts...)

	if from == ResourceStatusArchived && !options.force {
		return nil, ErrTerminalReviewStatus.WithMetadata(map[string]any{
			"from": from,
			"to":   target,
		})
	}

	if !options.force && !sm.canTransition(from, target) {
		return nil, ErrInvalidReviewTransition.WithMetadata(map[string]any{
			"from": from,
			"to":   target,
		})
	}

	ctxData := ReviewContext{
		Actor:    actor,
		Resource: resource,
		From:     from,
		To:       target,
		Meta:     options.cloneMetadata(),
	}

	if err := sm.runHooks(ctx, options.beforeHooks, ctxData, ReviewHookBefore); err != nil {
		return nil, err
	}

	statusOpts, chosenReviewTime := sm.buildStatusOptions(actor, resource, from, target, options)

	updated, err := sm.resources.UpdateStatus(ctx, resource.ID, target, statusOpts...)
	if err != nil {
		return nil, err
	}

	sm.applyUpdates(resource, updated, target, from, actor, chosenReviewTime)

	if err := sm.runHooks(ctx, options.afterHooks, ctxData, ReviewHookAfter); err != nil {
		return nil, err
	}

	sm.recordActivity(ctx, ActivityEvent{
		EventType:  ActivityEventResourceStatusChanged,
		Actor:      actor,
		UserID:     resource.OwnerID.String(),
		FromStatus: from,
		ToStatus:   target,
		Metadata:   sm.reviewMetadata(ctxData.Meta),
	})

	return resource, nil
}

func (sm *reviewStateMachine) CurrentStatus(resource *Resource) ResourceStatus {
	if resource == nil {
		return ""
	}
	resource.EnsureStatus()
	return resource.Status
}

func (sm *reviewStateMachine) runHooks(ctx context.Context, hooks []ReviewHook, data ReviewContext, phase ReviewHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, data); err != nil {
			if sm.hookErrorHandler == nil {
				return err
			}
			return sm.hookErrorHandler(ctx, phase, err, data)
		}
	}
	return nil
}

func (sm *reviewStateMachine) canTransition(from, to ResourceStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *reviewStateMachine) buildReviewOptions(opts ...ReviewOption) *reviewOptions {
	options := &reviewOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

// buildStatusOptions stamps review fields when entering a reviewed status and
// clears them when a rejected upload goes back to pending.
func (sm *reviewStateMachine) buildStatusOptions(actor ActorRef, resource *Resource, from, to ResourceStatus, opts *reviewOptions) ([]ResourceUpdateOption, *time.Time) {
	statusOpts := []ResourceUpdateOption{}
	var reviewTime *time.Time

	switch to {
	case ResourceStatusApproved, ResourceStatusRejected:
		switch {
		case opts.reviewTime != nil:
			reviewTime = opts.reviewTime
		default:
			now := sm.now()
			reviewTime = &now
		}
		statusOpts = append(statusOpts,
			WithReviewedAt(reviewTime),
			WithReviewedBy(actor.ID),
		)
		if opts.metadata.Reason != "" {
			statusOpts = append(statusOpts, WithReviewNote(opts.metadata.Reason))
		}
	case ResourceStatusPending:
		if from == ResourceStatusRejected {
			statusOpts = append(statusOpts,
				WithReviewedAt(nil),
				WithReviewNote(""),
				WithReviewedBy(""),
			)
		}
	}

	return statusOpts, reviewTime
}

func defaultReviewHookErrorHandler(_ context.Context, phase ReviewHookPhase, err error, rc ReviewContext) error {
	panic(fmt.Sprintf(
		"go-portal: %s hook failed: %v\nResourceID: %s from=%s to=%s reason=%s\nProvide portal.WithReviewMachineHookErrorHandler to customize error handling in production.",
		phase,
		err,
		rc.Resource.ID,
		rc.From,
		rc.To,
		rc.Meta.Reason,
	))
}

func (sm *reviewStateMachine) applyUpdates(resource, updated *Resource, target, from ResourceStatus, actor ActorRef, reviewTime *time.Time) {
	if updated != nil {
		if updated.Status != "" {
			resource.Status = updated.Status
		} else {
			resource.Status = target
		}
		resource.ReviewedAt = updated.ReviewedAt
		resource.ReviewNote = updated.ReviewNote
		resource.ReviewedBy = updated.ReviewedBy
		return
	}

	resource.Status = target
	switch target {
	case ResourceStatusApproved, ResourceStatusRejected:
		resource.ReviewedAt = reviewTime
		resource.ReviewedBy = actor.ID
	case ResourceStatusPending:
		if from == ResourceStatusRejected {
			resource.ReviewedAt = nil
			resource.ReviewNote = ""
			resource.ReviewedBy = ""
		}
	}
}

func (sm *reviewStateMachine) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: "system"}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = sm.now()
	}

	sink := normalizeActivitySink(sm.activitySink)
	if err := sink.Record(ctx, event); err != nil {
		sm.logger.Warn("review machine activity sink error: %v", err)
	}
}

func (sm *reviewStateMachine) reviewMetadata(meta ReviewMetadata) map[string]any {
	if meta.Reason == "" && len(meta.Metadata) == 0 {
		return nil
	}

	result := map[string]any{}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}
