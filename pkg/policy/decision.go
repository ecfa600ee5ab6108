// Package policy decides whether an actor may perform an action.
//
// Actions that target a principal pass through a fixed chain of named guards
// before the generic permission lookup:
//
//  1. root protection: only a root holder may act on a root holder
//  2. self action: nobody deletes, force-deletes or disables their own account
//  3. sole grantor: the last active principal able to create users stays
//
// A guard either denies or abstains. When every guard abstains the action's
// permission is looked up, and finally holders of the root role are allowed
// anything the guards did not explicitly deny.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

// Action is something an actor does to a target principal.
type Action string

const (
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionDisable     Action = "disable"
	ActionForceDelete Action = "forceDelete"
	ActionEnable      Action = "enable"
	ActionRestore     Action = "restore"
)

var actionPermissions = map[Action]string{
	ActionUpdate:      rbac.PermUpdateUsers,
	ActionDelete:      rbac.PermDeleteUsers,
	ActionDisable:     rbac.PermDisableUsers,
	ActionForceDelete: rbac.PermForceDeleteUsers,
	ActionEnable:      rbac.PermEnableUsers,
	ActionRestore:     rbac.PermRestoreUsers,
}

// ParseAction accepts the action names used on the wire.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if _, ok := actionPermissions[a]; !ok {
		return "", errdefs.ValidationErrors{"action": fmt.Sprintf("unknown action %q", s)}
	}
	return a, nil
}

// Permission is the permission name the action falls back to.
func (a Action) Permission() string {
	return actionPermissions[a]
}

// removesAccess is true for actions that take a principal out of service.
func (a Action) removesAccess() bool {
	return a == ActionDelete || a == ActionForceDelete || a == ActionDisable
}

// Outcome of a decision.
type Outcome int

const (
	Abstain Outcome = iota
	Allow
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "abstain"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Guard names reported with a decision.
const (
	GuardRootProtection = "root_protection"
	GuardSelfAction     = "self_action"
	GuardSoleGrantor    = "sole_grantor"
	GuardImmutableRoot  = "immutable_root"
	GuardPermission     = "permission"
	GuardRootBypass     = "root_bypass"
)

// Deny reasons shown to the caller.
const (
	ReasonRootProtection = "only another root holder may modify/delete a root holder"
	ReasonSelfAction     = "cannot act on your own account"
	ReasonSoleGrantor    = "last holder of user-creation capability"
	ReasonImmutableRoot  = "the root role is immutable"
)

// Decision is the result of evaluating one request. Reason is set for Deny.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Guard   string  `json:"guard,omitempty"`
}

func allowed(guard string) Decision { return Decision{Outcome: Allow, Guard: guard} }

func denied(guard, reason string) Decision {
	return Decision{Outcome: Deny, Guard: guard, Reason: reason}
}

func (d Decision) Allowed() bool { return d.Outcome == Allow }

// Err converts a non-Allow decision into an *AuthorizationDenied.
func (d Decision) Err(action string) error {
	if d.Allowed() {
		return nil
	}
	return &AuthorizationDenied{Action: action, Reason: d.Reason, Guard: d.Guard}
}

// ErrDenied matches every *AuthorizationDenied.
var ErrDenied = errdefs.ErrForbidden

// AuthorizationDenied is the terminal result of a Deny. It is never retried.
type AuthorizationDenied struct {
	Action string
	Reason string
	Guard  string
}

func (e *AuthorizationDenied) Error() string {
	return fmt.Sprintf("%s: %s", errdefs.ErrForbidden, e.Reason)
}

func (e *AuthorizationDenied) Unwrap() error { return errdefs.ErrForbidden }

// DenialReason extracts the human readable reason from err, if it is a denial.
func DenialReason(err error) (string, bool) {
	var denied *AuthorizationDenied
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// Facts is the state a principal-targeted decision depends on.
type Facts struct {
	ActorID    int64
	TargetID   int64
	ActorRoot  bool
	TargetRoot bool
	// TargetSoleCreator is true when the target is the only active principal
	// able to create users.
	TargetSoleCreator bool
	// ActorGranted is true when the actor holds the action's permission
	// directly or through a role.
	ActorGranted bool
}

// Guards runs the named guards in order and returns the first Deny, or Abstain.
func Guards(action Action, f Facts) Decision {
	if f.TargetRoot && !f.ActorRoot {
		return denied(GuardRootProtection, ReasonRootProtection)
	}
	if action.removesAccess() {
		if f.ActorID == f.TargetID {
			return denied(GuardSelfAction, ReasonSelfAction)
		}
		if f.TargetSoleCreator {
			return denied(GuardSoleGrantor, ReasonSoleGrantor)
		}
	}
	return Decision{Outcome: Abstain}
}

// Decide is the full decision: guards, then permission lookup, then the root bypass.
// An explicit guard Deny is final even for root holders.
func Decide(action Action, f Facts) Decision {
	if d := Guards(action, f); d.Outcome == Deny {
		return d
	}
	return lookup(action.Permission(), f.ActorGranted, f.ActorRoot)
}

func lookup(permission string, granted, root bool) Decision {
	if granted {
		return allowed(GuardPermission)
	}
	if root {
		return allowed(GuardRootBypass)
	}
	return denied(GuardPermission, fmt.Sprintf("missing permission %q", permission))
}
