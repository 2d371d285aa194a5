package portal_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	portal "github.com/learnloop/go-portal"
)

func TestReviewMachineApproveStampsReviewFields(t *testing.T) {
	repo := &MockResources{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	resource := &portal.Resource{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Title:   "Calculus Notes",
		Status:  portal.ResourceStatusPending,
	}

	expected := &portal.Resource{
		ID:         resource.ID,
		OwnerID:    resource.OwnerID,
		Title:      resource.Title,
		Status:     portal.ResourceStatusApproved,
		ReviewedAt: &now,
		ReviewedBy: "admin-1",
	}

	repo.On("UpdateStatus", mock.Anything, resource.ID, portal.ResourceStatusApproved, mock.Anything).
		Return(expected, nil).Once()

	sm := portal.NewReviewStateMachine(repo, portal.WithReviewMachineClock(func() time.Time { return now }))

	result, err := sm.Transition(context.Background(), portal.ActorRef{ID: "admin-1", Type: "user"}, resource, portal.ResourceStatusApproved)
	require.NoError(t, err)
	assert.True(t, result.IsApproved())
	require.NotNil(t, result.ReviewedAt)
	assert.Equal(t, now, result.ReviewedAt.UTC())
	assert.Equal(t, "admin-1", result.ReviewedBy)
	repo.AssertExpectations(t)
}

func TestReviewMachineRejectRecordsReason(t *testing.T) {
	repo := &MockResources{}
	resource := &portal.Resource{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Status:  portal.ResourceStatusPending,
	}

	repo.On("UpdateStatus", mock.Anything, resource.ID, portal.ResourceStatusRejected, mock.Anything).
		Return(&portal.Resource{
			ID:         resource.ID,
			OwnerID:    resource.OwnerID,
			Status:     portal.ResourceStatusRejected,
			ReviewNote: "missing citations",
		}, nil).Once()

	sink := &capturingSink{}
	sm := portal.NewReviewStateMachine(repo, portal.WithReviewMachineActivitySink(sink))

	result, err := sm.Transition(
		context.Background(),
		portal.ActorRef{ID: "admin-1", Type: "user"},
		resource,
		portal.ResourceStatusRejected,
		portal.WithReviewReason("missing citations"),
	)
	require.NoError(t, err)
	assert.Equal(t, portal.ResourceStatusRejected, result.Status)
	assert.Equal(t, "missing citations", result.ReviewNote)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, portal.ActivityEventResourceStatusChanged, events[0].EventType)
	assert.Equal(t, portal.ResourceStatusPending, events[0].FromStatus)
	assert.Equal(t, portal.ResourceStatusRejected, events[0].ToStatus)
	assert.Equal(t, "missing citations", events[0].Metadata["reason"])
	repo.AssertExpectations(t)
}

func TestReviewMachineRejectsInvalidTransition(t *testing.T) {
	repo := &MockResources{}
	resource := &portal.Resource{
		ID:     uuid.New(),
		Status: portal.ResourceStatusRejected,
	}

	sm := portal.NewReviewStateMachine(repo)

	_, err := sm.Transition(context.Background(), portal.ActorRef{}, resource, portal.ResourceStatusApproved)
	require.Error(t, err)
	assert.ErrorIs(t, err, portal.ErrInvalidReviewTransition)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewMachineArchivedIsTerminal(t *testing.T) {
	repo := &MockResources{}
	resource := &portal.Resource{
		ID:     uuid.New(),
		Status: portal.ResourceStatusArchived,
	}

	sm := portal.NewReviewStateMachine(repo)

	_, err := sm.Transition(context.Background(), portal.ActorRef{}, resource, portal.ResourceStatusPending)
	require.Error(t, err)
	assert.ErrorIs(t, err, portal.ErrTerminalReviewStatus)
}

func TestReviewMachineForceBypassesValidation(t *testing.T) {
	repo := &MockResources{}
	resource := &portal.Resource{
		ID:     uuid.New(),
		Status: portal.ResourceStatusArchived,
	}

	repo.On("UpdateStatus", mock.Anything, resource.ID, portal.ResourceStatusPending, mock.Anything).
		Return(&portal.Resource{ID: resource.ID, Status: portal.ResourceStatusPending}, nil).Once()

	sm := portal.NewReviewStateMachine(repo)

	result, err := sm.Transition(
		context.Background(),
		portal.ActorRef{},
		resource,
		portal.ResourceStatusPending,
		portal.WithForceReview(),
	)
	require.NoError(t, err)
	assert.True(t, result.IsPending())
	repo.AssertExpectations(t)
}

func TestReviewMachineResubmitClearsReviewFields(t *testing.T) {
	repo := &MockResources{}
	reviewedAt := time.Now()
	resource := &portal.Resource{
		ID:         uuid.New(),
		Status:     portal.ResourceStatusRejected,
		ReviewNote: "missing citations",
		ReviewedBy: "admin-1",
		ReviewedAt: &reviewedAt,
	}

	repo.On("UpdateStatus", mock.Anything, resource.ID, portal.ResourceStatusPending, mock.Anything).
		Return(&portal.Resource{ID: resource.ID, Status: portal.ResourceStatusPending}, nil).Once()

	sm := portal.NewReviewStateMachine(repo)

	result, err := sm.Transition(context.Background(), portal.ActorRef{ID: "student-1"}, resource, portal.ResourceStatusPending)
	require.NoError(t, err)
	assert.True(t, result.IsPending())
	assert.Nil(t, result.ReviewedAt)
	assert.Empty(t, result.ReviewNote)
	assert.Empty(t, result.ReviewedBy)
}

func TestReviewMachineSameStatusIsNoop(t *testing.T) {
	repo := &MockResources{}
	resource := &portal.Resource{
		ID:     uuid.New(),
		Status: portal.ResourceStatusPending,
	}

	sm := portal.NewReviewStateMachine(repo)

	result, err := sm.Transition(context.Background(), portal.ActorRef{}, resource, portal.ResourceStatusPending)
	require.NoError(t, err)
	assert.Equal(t, resource, result)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewMachineBeforeHookFailureAborts(t *testing.T) {
	repo := &MockResources{}
	resource := &portal.Resource{
		ID:     uuid.New(),
		Status: portal.ResourceStatusPending,
	}

	handled := false
	sm := portal.NewReviewStateMachine(repo,
		portal.WithReviewMachineHookErrorHandler(func(ctx context.Context, phase portal.ReviewHookPhase, err error, rc portal.ReviewContext) error {
			handled = true
			assert.Equal(t, portal.ReviewHookBefore, phase)
			return err
		}))

	_, err := sm.Transition(
		context.Background(),
		portal.ActorRef{},
		resource,
		portal.ResourceStatusApproved,
		portal.WithBeforeReviewHook(func(ctx context.Context, rc portal.ReviewContext) error {
			return assert.AnError
		}),
	)
	require.Error(t, err)
	assert.True(t, handled)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
