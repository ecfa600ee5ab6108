package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		facts   Facts
		outcome Outcome
		guard   string
	}{
		{
			name:    "granted actor on ordinary target",
			action:  ActionUpdate,
			facts:   Facts{ActorID: 1, TargetID: 2, ActorGranted: true},
			outcome: Allow,
			guard:   GuardPermission,
		},
		{
			name:    "missing permission",
			action:  ActionDelete,
			facts:   Facts{ActorID: 1, TargetID: 2},
			outcome: Deny,
			guard:   GuardPermission,
		},
		{
			name:    "root bypasses missing permission",
			action:  ActionForceDelete,
			facts:   Facts{ActorID: 1, TargetID: 2, ActorRoot: true},
			outcome: Allow,
			guard:   GuardRootBypass,
		},
		{
			name:    "non root cannot touch root",
			action:  ActionUpdate,
			facts:   Facts{ActorID: 1, TargetID: 2, TargetRoot: true, ActorGranted: true},
			outcome: Deny,
			guard:   GuardRootProtection,
		},
		{
			name:    "root may update another root",
			action:  ActionUpdate,
			facts:   Facts{ActorID: 1, TargetID: 2, ActorRoot: true, TargetRoot: true},
			outcome: Allow,
			guard:   GuardRootBypass,
		},
		{
			name:    "self delete denied for root",
			action:  ActionDelete,
			facts:   Facts{ActorID: 3, TargetID: 3, ActorRoot: true, TargetRoot: true, ActorGranted: true},
			outcome: Deny,
			guard:   GuardSelfAction,
		},
		{
			name:    "self disable denied",
			action:  ActionDisable,
			facts:   Facts{ActorID: 3, TargetID: 3, ActorGranted: true},
			outcome: Deny,
			guard:   GuardSelfAction,
		},
		{
			name:    "self update allowed",
			action:  ActionUpdate,
			facts:   Facts{ActorID: 3, TargetID: 3, ActorGranted: true},
			outcome: Allow,
			guard:   GuardPermission,
		},
		{
			name:    "sole creator protected from root",
			action:  ActionForceDelete,
			facts:   Facts{ActorID: 1, TargetID: 2, ActorRoot: true, TargetSoleCreator: true},
			outcome: Deny,
			guard:   GuardSoleGrantor,
		},
		{
			name:    "sole creator may still be updated",
			action:  ActionUpdate,
			facts:   Facts{ActorID: 1, TargetID: 2, ActorGranted: true, TargetSoleCreator: true},
			outcome: Allow,
			guard:   GuardPermission,
		},
		{
			name:    "root protection precedes self action",
			action:  ActionDelete,
			facts:   Facts{ActorID: 1, TargetID: 2, TargetRoot: true, TargetSoleCreator: true},
			outcome: Deny,
			guard:   GuardRootProtection,
		},
		{
			name:    "enable only uses root protection",
			action:  ActionEnable,
			facts:   Facts{ActorID: 5, TargetID: 5, ActorGranted: true, TargetSoleCreator: true},
			outcome: Allow,
			guard:   GuardPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.action, tt.facts)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.guard, d.Guard)
			if d.Outcome == Deny {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestGuards_AbstainWhenNothingApplies(t *testing.T) {
	d := Guards(ActionDelete, Facts{ActorID: 1, TargetID: 2})
	assert.Equal(t, Abstain, d.Outcome)
	assert.Empty(t, d.Reason)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("forceDelete")
	assert.NoError(t, err)
	assert.Equal(t, ActionForceDelete, a)
	assert.Equal(t, rbac.PermForceDeleteUsers, a.Permission())

	_, err = ParseAction("promote")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, allowed(GuardPermission).Err("update"))

	err := denied(GuardSelfAction, ReasonSelfAction).Err("delete")
	assert.ErrorIs(t, err, ErrDenied)
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	var denial *AuthorizationDenied
	assert.True(t, errors.As(err, &denial))
	assert.Equal(t, "delete", denial.Action)
	assert.Equal(t, GuardSelfAction, denial.Guard)

	reason, ok := DenialReason(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonSelfAction, reason)
	assert.Equal(t, 403, errdefs.Status(err))
}
