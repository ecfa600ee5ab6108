package policy

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

var tracer = observability.Tracer("policy")

// Evaluator answers authorization questions from the current graph state.
// It never mutates anything.
type Evaluator struct {
	checker rbac.Checker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEvaluator creates an evaluator. logger and metrics may be nil.
func NewEvaluator(checker rbac.Checker, logger *observability.Logger, metrics *observability.Metrics) *Evaluator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Evaluator{checker: checker, logger: logger, metrics: metrics}
}

// Evaluate decides whether actorID may perform action on the principal targetID.
func (e *Evaluator) Evaluate(ctx context.Context, actorID int64, action Action, targetID int64) (decision Decision, err error) {
	ctx, span := tracer.Start(ctx, "policy.Evaluate")
	span.SetAttributes(
		attribute.String("policy.action", string(action)),
		observability.Int64Attr("policy.actor_id", actorID),
		observability.Int64Attr("policy.target_id", targetID),
	)
	defer func() {
		span.SetAttributes(attribute.String("policy.outcome", decision.Outcome.String()))
		observability.EndSpan(span, err)
	}()

	facts, err := e.facts(ctx, actorID, action, targetID)
	if err != nil {
		return Decision{}, err
	}
	decision = Decide(action, facts)
	e.observe(ctx, string(action), actorID, decision)
	return decision, nil
}

// facts loads what Decide needs. The sole-grantor lookup only runs when the
// earlier guards would not already deny.
func (e *Evaluator) facts(ctx context.Context, actorID int64, action Action, targetID int64) (Facts, error) {
	actor, err := e.checker.PermissionSet(ctx, actorID)
	if err != nil {
		return Facts{}, err
	}
	target, err := e.checker.PermissionSet(ctx, targetID)
	if err != nil {
		return Facts{}, err
	}

	f := Facts{
		ActorID:      actorID,
		TargetID:     targetID,
		ActorRoot:    actor.Root,
		TargetRoot:   target.Root,
		ActorGranted: actor.Grants(action.Permission()),
	}

	if action.removesAccess() && actorID != targetID && !(f.TargetRoot && !f.ActorRoot) {
		holders, err := e.checker.ActiveHolders(ctx, rbac.PermCreateUsers)
		if err != nil {
			return Facts{}, err
		}
		f.TargetSoleCreator = len(holders) == 1 && holders[0] == targetID
	}
	return f, nil
}

// EvaluatePermission decides access to a resource that is not a principal:
// permission lookup followed by the root bypass.
func (e *Evaluator) EvaluatePermission(ctx context.Context, actorID int64, permission string) (decision Decision, err error) {
	ctx, span := tracer.Start(ctx, "policy.EvaluatePermission")
	span.SetAttributes(
		attribute.String("policy.permission", permission),
		observability.Int64Attr("policy.actor_id", actorID),
	)
	defer func() {
		span.SetAttributes(attribute.String("policy.outcome", decision.Outcome.String()))
		observability.EndSpan(span, err)
	}()

	set, err := e.checker.PermissionSet(ctx, actorID)
	if err != nil {
		return Decision{}, err
	}
	decision = lookup(permission, set.Grants(permission), set.Root)
	e.observe(ctx, permission, actorID, decision)
	return decision, nil
}

// EvaluateRole decides a mutation of roleID. The root role is denied to everyone.
func (e *Evaluator) EvaluateRole(ctx context.Context, actorID, roleID int64, permission string) (Decision, error) {
	if roleID == rbac.RootRoleID {
		d := denied(GuardImmutableRoot, ReasonImmutableRoot)
		e.observe(ctx, permission, actorID, d)
		return d, nil
	}
	return e.EvaluatePermission(ctx, actorID, permission)
}

// Authorize is Evaluate returning an *AuthorizationDenied unless allowed.
func (e *Evaluator) Authorize(ctx context.Context, actorID int64, action Action, targetID int64) error {
	d, err := e.Evaluate(ctx, actorID, action, targetID)
	if err != nil {
		return err
	}
	return d.Err(string(action))
}

// AuthorizePermission is EvaluatePermission returning an error unless allowed.
func (e *Evaluator) AuthorizePermission(ctx context.Context, actorID int64, permission string) error {
	d, err := e.EvaluatePermission(ctx, actorID, permission)
	if err != nil {
		return err
	}
	return d.Err(permission)
}

// AuthorizeRole is EvaluateRole returning an error unless allowed.
func (e *Evaluator) AuthorizeRole(ctx context.Context, actorID, roleID int64, permission string) error {
	d, err := e.EvaluateRole(ctx, actorID, roleID, permission)
	if err != nil {
		return err
	}
	return d.Err(permission)
}

// HasPermission exposes the raw graph lookup, root override included.
func (e *Evaluator) HasPermission(ctx context.Context, userID int64, name string) (bool, error) {
	return e.checker.HasPermission(ctx, userID, name)
}

func (e *Evaluator) observe(ctx context.Context, action string, actorID int64, d Decision) {
	e.metrics.RecordDecision(action, d.Outcome.String())
	if d.Outcome == Deny {
		observability.FromContext(ctx, e.logger).WithFields(map[string]interface{}{
			"action":   action,
			"actor_id": actorID,
			"guard":    d.Guard,
			"reason":   d.Reason,
		}).Debug("authorization denied")
	}
}
