package portal

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// DefaultApprovalPoints is awarded to the owner when a resource is approved.
const DefaultApprovalPoints = 10

// ResourceInput carries the fields a student submits for a new resource.
type ResourceInput struct {
	Title       string `json:"title" form:"title"`
	Description string `json:"description" form:"description"`
	Subject     string `json:"subject" form:"subject"`
	URL         string `json:"url" form:"url"`
	FileName    string `json:"file_name" form:"file_name"`
	ContentType string `json:"content_type" form:"content_type"`
}

// Validate implements validation for the submission payload. A submission
// must carry either an external URL or an uploaded file, never neither.
func (r ResourceInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(3, 200)),
		validation.Field(&r.Description, validation.Length(0, 2000)),
		validation.Field(&r.Subject, validation.Required, validation.Length(2, 100)),
		validation.Field(&r.URL, is.URL),
	)
}

// ResourceLibrary coordinates submissions, uploads, and the review lifecycle.
type ResourceLibrary interface {
	Submit(ctx context.Context, owner *User, input ResourceInput, file io.Reader) (*Resource, error)
	Approve(ctx context.Context, reviewer *User, resourceID uuid.UUID, opts ...ReviewOption) (*Resource, error)
	Reject(ctx context.Context, reviewer *User, resourceID uuid.UUID, reason string, opts ...ReviewOption) (*Resource, error)
	Resubmit(ctx context.Context, owner *User, resourceID uuid.UUID) (*Resource, error)
	Archive(ctx context.Context, reviewer *User, resourceID uuid.UUID, opts ...ReviewOption) (*Resource, error)
	Pending(ctx context.Context) ([]*Resource, error)
	ListMine(ctx context.Context, owner *User) ([]*Resource, error)
	FileURL(resource *Resource) string
}

// ResourceLibraryOption customizes the library.
type ResourceLibraryOption func(*resourceLibrary)

// WithLibraryLogger overrides the library logger.
func WithLibraryLogger(logger Logger) ResourceLibraryOption {
	return func(l *resourceLibrary) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithApprovalPoints changes how many points an approval awards the owner.
func WithApprovalPoints(points int) ResourceLibraryOption {
	return func(l *resourceLibrary) {
		if points >= 0 {
			l.approvalPoints = points
		}
	}
}

// NewResourceLibrary builds the default ResourceLibrary.
func NewResourceLibrary(resources Resources, profiles Profiles, files FileStore, machine ReviewStateMachine, opts ...ResourceLibraryOption) ResourceLibrary {
	lib := &resourceLibrary{
		resources:      resources,
		profiles:       profiles,
		files:          files,
		machine:        machine,
		logger:         defLogger{},
		approvalPoints: DefaultApprovalPoints,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(lib)
		}
	}

	return lib
}

type resourceLibrary struct {
	resources      Resources
	profiles       Profiles
	files          FileStore
	machine        ReviewStateMachine
	logger         Logger
	approvalPoints int
}

func (l *resourceLibrary) Submit(ctx context.Context, owner *User, input ResourceInput, file io.Reader) (*Resource, error) {
	if owner == nil {
		return nil, goerrors.New("submission requires an authenticated user", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	if err := input.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid resource submission")
	}

	if input.URL == "" && file == nil {
		return nil, goerrors.New("submission needs a link or a file", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest)
	}

	ownerID, err := uuid.Parse(owner.ID)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid owner id")
	}

	record := &Resource{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		Subject:     strings.TrimSpace(input.Subject),
		URL:         strings.TrimSpace(input.URL),
		Status:      ResourceStatusPending,
	}

	if file != nil {
		key := resourceFileKey(record.ID, input.FileName)
		if err := l.files.Upload(ctx, key, input.ContentType, file); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to store resource file")
		}
		record.FileKey = key
	}

	created, err := l.resources.Create(ctx, record)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to create resource")
	}

	return created, nil
}

func (l *resourceLibrary) Approve(ctx context.Context, reviewer *User, resourceID uuid.UUID, opts ...ReviewOption) (*Resource, error) {
	resource, err := l.reviewable(ctx, reviewer, resourceID)
	if err != nil {
		return nil, err
	}

	updated, err := l.machine.Transition(ctx, reviewerActor(reviewer), resource, ResourceStatusApproved, opts...)
	if err != nil {
		return nil, err
	}

	if l.approvalPoints > 0 {
		if _, err := l.profiles.AddPoints(ctx, updated.OwnerID, l.approvalPoints); err != nil {
			// The approval already happened. Surface the award failure
			// without rolling the status back.
			l.logger.Error("failed to award points to %s: %v", updated.OwnerID, err)
		}
	}

	return updated, nil
}

func (l *resourceLibrary) Reject(ctx context.Context, reviewer *User, resourceID uuid.UUID, reason string, opts ...ReviewOption) (*Resource, error) {
	resource, err := l.reviewable(ctx, reviewer, resourceID)
	if err != nil {
		return nil, err
	}

	opts = append([]ReviewOption{WithReviewReason(reason)}, opts...)
	return l.machine.Transition(ctx, reviewerActor(reviewer), resource, ResourceStatusRejected, opts...)
}

func (l *resourceLibrary) Resubmit(ctx context.Context, owner *User, resourceID uuid.UUID) (*Resource, error) {
	if owner == nil {
		return nil, goerrors.New("resubmission requires an authenticated user", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	resource, err := l.resources.GetByIdentifier(ctx, resourceID.String())
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryNotFound, "resource not found")
	}

	if resource.OwnerID.String() != owner.ID && !CanReviewResources(owner.Role) {
		return nil, goerrors.New("only the owner can resubmit a resource", goerrors.CategoryAuthz).
			WithCode(goerrors.CodeForbidden)
	}

	actor := ActorRef{ID: owner.ID, Type: "user"}
	return l.machine.Transition(ctx, actor, resource, ResourceStatusPending,
		WithReviewReason("resubmitted"))
}

func (l *resourceLibrary) Archive(ctx context.Context, reviewer *User, resourceID uuid.UUID, opts ...ReviewOption) (*Resource, error) {
	resource, err := l.reviewable(ctx, reviewer, resourceID)
	if err != nil {
		return nil, err
	}
	return l.machine.Transition(ctx, reviewerActor(reviewer), resource, ResourceStatusArchived, opts...)
}

func (l *resourceLibrary) Pending(ctx context.Context) ([]*Resource, error) {
	return l.resources.ListByStatus(ctx, ResourceStatusPending)
}

func (l *resourceLibrary) ListMine(ctx context.Context, owner *User) ([]*Resource, error) {
	if owner == nil {
		return nil, goerrors.New("listing requires an authenticated user", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	ownerID, err := uuid.Parse(owner.ID)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid owner id")
	}

	return l.resources.ListByOwner(ctx, ownerID)
}

func (l *resourceLibrary) FileURL(resource *Resource) string {
	if resource == nil || resource.FileKey == "" {
		return ""
	}
	return l.files.PublicURL(resource.FileKey)
}

func (l *resourceLibrary) reviewable(ctx context.Context, reviewer *User, resourceID uuid.UUID) (*Resource, error) {
	if reviewer == nil || !CanReviewResources(reviewer.Role) {
		return nil, goerrors.New("resource review requires the admin role", goerrors.CategoryAuthz).
			WithCode(goerrors.CodeForbidden)
	}

	resource, err := l.resources.GetByIdentifier(ctx, resourceID.String())
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryNotFound, "resource not found")
	}

	return resource, nil
}

func reviewerActor(reviewer *User) ActorRef {
	if reviewer == nil {
		return ActorRef{Type: "system"}
	}
	return ActorRef{ID: reviewer.ID, Type: "user"}
}

func resourceFileKey(id uuid.UUID, fileName string) string {
	name := path.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	return fmt.Sprintf("resources/%s/%s", id, name)
}
