package users

import (
	"strings"
	"time"

	"github.com/labresults/lims/internal/platform/auth"
)

// Status is the account lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDisabled:
		return true
	}
	return false
}

// Permissions are the per-user capability flags.
type Permissions struct {
	IsAdmin          bool `json:"is_admin"`
	CanCreateExams   bool `json:"can_create_exams"`
	CanEditExams     bool `json:"can_edit_exams"`
	CanDeleteExams   bool `json:"can_delete_exams"`
	CanValidateExams bool `json:"can_validate_exams"`
	CanSendResults   bool `json:"can_send_results"`
}

// AllPermissions grants every flag.
func AllPermissions() Permissions {
	return Permissions{
		IsAdmin:          true,
		CanCreateExams:   true,
		CanEditExams:     true,
		CanDeleteExams:   true,
		CanValidateExams: true,
		CanSendResults:   true,
	}
}

// User is a lab staff account.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PasswordHash string `json:"-"`
	Status       Status `json:"status"`
	Permissions
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Principal converts the account into the identity checked by route guards.
func (u *User) Principal() *auth.Principal {
	return &auth.Principal{
		UserID:  u.ID,
		Email:   u.Email,
		IsAdmin: u.IsAdmin,
		Permissions: map[auth.Permission]bool{
			auth.PermManageUsers:   u.IsAdmin,
			auth.PermCreateExams:   u.CanCreateExams,
			auth.PermEditExams:     u.CanEditExams,
			auth.PermDeleteExams:   u.CanDeleteExams,
			auth.PermValidateExams: u.CanValidateExams,
			auth.PermSendResults:   u.CanSendResults,
		},
	}
}

// CreateInput is the body of an admin user creation request.
type CreateInput struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Permissions
}

// UpdateInput changes the fields that are set.
type UpdateInput struct {
	FirstName   *string      `json:"first_name,omitempty"`
	LastName    *string      `json:"last_name,omitempty"`
	Status      *Status      `json:"status,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

// Session is a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}
