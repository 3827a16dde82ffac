package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/domain"
)

func TestCanWork(t *testing.T) {
	svc := Service{}
	task := domain.Task{ID: "t1", AssignedTo: "donor-1"}

	require.NoError(t, svc.CanWork(Actor{UserID: "donor-1"}, task))
	require.NoError(t, svc.CanWork(Actor{UserID: "ops", Roles: []string{"admin"}}, task))

	err := svc.CanWork(Actor{UserID: "someone"}, task)
	var forbidden ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Contains(t, forbidden.Reason, "donor-1")

	err = svc.CanWork(Actor{}, task)
	assert.True(t, errors.As(err, &UnauthenticatedError{}))
}

func TestConfiguredAdminRoles(t *testing.T) {
	svc := Service{AdminRoles: []string{"ops"}}
	assert.True(t, svc.Elevated(Actor{UserID: "x", Roles: []string{"OPS"}}))
	assert.False(t, svc.Elevated(Actor{UserID: "x", Roles: []string{"admin"}}))
}

func TestCanDecideIgnoresElevation(t *testing.T) {
	svc := Service{}
	task := domain.Task{ID: "d", AssignedTo: "donor-1"}
	require.Error(t, svc.CanDecide(Actor{UserID: "ops", Roles: []string{"admin"}}, task))
	require.NoError(t, svc.CanDecide(Actor{UserID: "donor-1"}, task))
}

func TestCanView(t *testing.T) {
	svc := Service{}
	tasks := []domain.Task{{AssignedTo: "donor-1"}, {AssignedTo: "valuer-1"}}
	require.NoError(t, svc.CanView(Actor{UserID: "valuer-1"}, tasks))
	require.Error(t, svc.CanView(Actor{UserID: "stranger"}, tasks))
	require.NoError(t, svc.CanView(Actor{UserID: "ops", Roles: []string{"admin"}}, nil))
}
