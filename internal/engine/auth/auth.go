package auth

import (
	"fmt"
	"strings"

	"pledgeline/internal/domain"
)

// ForbiddenError indicates the caller may not perform the transition.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// UnauthenticatedError indicates a missing or invalid credential.
type UnauthenticatedError struct{}

func (UnauthenticatedError) Error() string {
	return "authentication required"
}

// Actor is the verified caller of a transition.
type Actor struct {
	UserID        string
	Email         string
	EmailVerified bool
	Roles         []string
}

// System is the actor used by the signature monitor.
var System = Actor{UserID: "system:monitor", Roles: []string{string(domain.RoleAdmin)}}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Service holds the authorization policy.
type Service struct {
	// AdminRoles may act on any task.
	AdminRoles []string
}

func (s Service) adminRoles() []string {
	if len(s.AdminRoles) == 0 {
		return []string{string(domain.RoleAdmin)}
	}
	return s.AdminRoles
}

// Elevated reports whether a holds a role that bypasses assignee checks.
func (s Service) Elevated(a Actor) bool {
	for _, r := range s.adminRoles() {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// Authenticated rejects anonymous actors.
func (s Service) Authenticated(a Actor) error {
	if strings.TrimSpace(a.UserID) == "" {
		return UnauthenticatedError{}
	}
	return nil
}

// CanWork allows the assignee of t or an elevated actor.
func (s Service) CanWork(a Actor, t domain.Task) error {
	if err := s.Authenticated(a); err != nil {
		return err
	}
	if t.AssignedTo == a.UserID || s.Elevated(a) {
		return nil
	}
	return ForbiddenError{Reason: fmt.Sprintf("task %s is assigned to %s", t.ID, t.AssignedTo)}
}

// CanDecide restricts a commitment decision to its assignee.
func (s Service) CanDecide(a Actor, t domain.Task) error {
	if err := s.Authenticated(a); err != nil {
		return err
	}
	if t.AssignedTo != a.UserID {
		return ForbiddenError{Reason: fmt.Sprintf("decision task %s is assigned to %s", t.ID, t.AssignedTo)}
	}
	return nil
}

// IsOwnerDonor reports whether a is the donor of a participant owner.
func IsOwnerDonor(a Actor, p domain.Participation) bool {
	return a.UserID != "" && p.UserID == a.UserID
}

// CanView allows an elevated actor or anyone assigned to a task in the partition.
func (s Service) CanView(a Actor, tasks []domain.Task) error {
	if err := s.Authenticated(a); err != nil {
		return err
	}
	if s.Elevated(a) {
		return nil
	}
	for _, t := range tasks {
		if t.AssignedTo == a.UserID || t.CreatedBy == a.UserID {
			return nil
		}
	}
	return ForbiddenError{Reason: "not a participant of this partition"}
}
