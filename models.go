package portal

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Role is the portal-level role carried on a Profile.
type Role = string

const (
	// RoleStudent can browse approved resources and upload new ones.
	RoleStudent Role = "student"
	// RoleAdmin can additionally review uploads and manage roles.
	RoleAdmin Role = "admin"
)

// ValidRole checks the role against the portal's role set.
func ValidRole(r Role) bool {
	switch r {
	case RoleStudent, RoleAdmin:
		return true
	default:
		return false
	}
}

// RoleAtLeast reports whether role meets the minimum required role, with
// admin outranking student.
func RoleAtLeast(role, min Role) bool {
	if min == RoleAdmin {
		return role == RoleAdmin
	}
	return ValidRole(role)
}

// CanReviewResources reports whether the role may act on pending uploads.
func CanReviewResources(r Role) bool {
	return r == RoleAdmin
}

// Profile is the application-level record describing a user, keyed by the
// provider's session identity. Created once per identity and never deleted
// by this package.
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:pro"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name          string     `bun:"name" json:"name,omitempty"`
	Email         string     `bun:"email,notnull,unique" json:"email,omitempty"`
	Role          Role       `bun:"role,notnull" json:"role,omitempty"`
	Points        int        `bun:"points,notnull,default:0" json:"points"`
	AvatarURL     string     `bun:"avatar_url" json:"avatar_url,omitempty"`
	Phone         string     `bun:"phone_number" json:"phone_number,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureDefaults fills the defaults the original record may omit: missing
// display names render as "User", missing roles default to student.
func (p *Profile) EnsureDefaults() {
	if p.Name == "" {
		p.Name = "User"
	}
	if p.Role == "" {
		p.Role = RoleStudent
	}
	if p.Points < 0 {
		p.Points = 0
	}
}

// User is the merge of session identity fields and Profile fields that
// consumers read from AuthState.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Points    int    `json:"points"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// MergeUser builds the consumer-facing User from a resolved profile and the
// session it was keyed by. Profile email wins; session email is the fallback.
func MergeUser(profile *Profile, session *Session) *User {
	if profile == nil {
		return nil
	}

	profile.EnsureDefaults()

	email := profile.Email
	if email == "" && session != nil {
		email = session.Email
	}

	return &User{
		ID:        profile.ID.String(),
		Name:      profile.Name,
		Email:     email,
		Role:      profile.Role,
		Points:    profile.Points,
		AvatarURL: profile.AvatarURL,
	}
}

// AuthState is the derived, process-wide authentication state. It is a value
// snapshot: the SessionManager hands out copies, never shared pointers to
// internal state.
type AuthState struct {
	User    *User
	Phase   Phase
	Loading bool
}

// IsAuthenticated holds the invariant isAuthenticated == (user != nil).
func (s AuthState) IsAuthenticated() bool {
	return s.User != nil
}

// ResourceStatus is the review status of an uploaded learning resource.
type ResourceStatus string

const (
	ResourceStatusPending  ResourceStatus = "pending"
	ResourceStatusApproved ResourceStatus = "approved"
	ResourceStatusRejected ResourceStatus = "rejected"
	ResourceStatusArchived ResourceStatus = "archived"
)

// Resource is an uploaded learning resource awaiting or past admin review.
type Resource struct {
	bun.BaseModel `bun:"table:resources,alias:res"`
	ID            uuid.UUID      `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	OwnerID       uuid.UUID      `bun:"owner_id,notnull,type:uuid" json:"owner_id,omitempty"`
	Owner         *Profile       `bun:"rel:has-one,join:owner_id=id" json:"owner,omitempty"`
	Title         string         `bun:"title,notnull" json:"title,omitempty"`
	Description   string         `bun:"description" json:"description,omitempty"`
	Subject       string         `bun:"subject" json:"subject,omitempty"`
	FileKey       string         `bun:"file_key" json:"file_key,omitempty"`
	URL           string         `bun:"url" json:"url,omitempty"`
	Status        ResourceStatus `bun:"status,notnull,default:'pending'" json:"status,omitempty"`
	ReviewNote    string         `bun:"review_note" json:"review_note,omitempty"`
	ReviewedBy    string         `bun:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time     `bun:"reviewed_at,nullzero" json:"reviewed_at,omitempty"`
	CreatedAt     *time.Time     `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time     `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time     `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureStatus normalizes a zero status to pending.
func (r *Resource) EnsureStatus() {
	if r.Status == "" {
		r.Status = ResourceStatusPending
	}
}

// IsPending reports whether the resource still awaits review.
func (r *Resource) IsPending() bool {
	return r != nil && r.Status == ResourceStatusPending
}

// IsApproved reports whether the resource passed review.
func (r *Resource) IsApproved() bool {
	return r != nil && r.Status == ResourceStatusApproved
}
