// Package auth decides who may act on a phase: it resolves actor identities
// against an execution and derives the permission set shown to each role.
package auth

import (
	"slices"
	"strings"

	"phaseline/internal/domain"
	"phaseline/internal/engine/fsm"
)

const systemActorID = "system"

// Gate evaluates role and identity rules for executions.
type Gate struct {
	// Verifiers restricts the verifier role to these identities when non-empty.
	Verifiers []string
}

// Authorize validates actor against the execution and fills a missing identity.
func (g Gate) Authorize(exec domain.Execution, actor domain.Actor) (domain.Actor, error) {
	const op = "authorize"
	actor.ID = strings.TrimSpace(actor.ID)
	if actor.Role == "" {
		return actor, domain.Validation(op, "acting role is required")
	}
	if !actor.Role.Valid() {
		return actor, domain.Validation(op, "unknown role %q", actor.Role)
	}
	switch actor.Role {
	case domain.RoleClient:
		return bindIdentity(op, actor, exec.ClientID)
	case domain.RoleContractor:
		return bindIdentity(op, actor, exec.ContractorID)
	case domain.RoleVerifier:
		if len(g.Verifiers) > 0 && !slices.Contains(g.Verifiers, actor.ID) {
			return actor, domain.PermissionDenied(op, "%q is not an authorized verifier", actor.ID)
		}
		if actor.ID == "" {
			actor.ID = string(domain.RoleVerifier)
		}
	case domain.RoleSystem:
		if actor.ID == "" {
			actor.ID = systemActorID
		}
	}
	return actor, nil
}

func bindIdentity(op string, actor domain.Actor, expected string) (domain.Actor, error) {
	if actor.ID == "" {
		actor.ID = expected
		return actor, nil
	}
	if actor.ID != expected {
		return actor, domain.PermissionDenied(op, "%q is not the %s of this execution", actor.ID, actor.Role)
	}
	return actor, nil
}

// Check reports whether role may perform action on the phase at idx right
// now. It is the single gate used both for attempts and for Permissions.
func (g Gate) Check(exec domain.Execution, idx int, action domain.Action, role domain.Role) error {
	const op = "attempt transition"
	if idx < 0 || idx >= len(exec.Phases) {
		return domain.NotFound(op, "phase index %d out of range", idx)
	}
	if exec.Status != domain.ExecutionActive {
		return domain.PreconditionFailed(op, "execution is %s", exec.Status)
	}
	if idx > exec.CurrentPhaseIndex {
		return domain.PreconditionFailed(op, "phase %d is locked until phase %d is approved", idx+1, exec.CurrentPhaseIndex+1)
	}
	ph := exec.Phases[idx]
	return fsm.Check(ph.Status, action, role, len(ph.Reports))
}

// Permissions derives the boolean action set for role on the phase at idx.
func (g Gate) Permissions(exec domain.Execution, idx int, role domain.Role) domain.Permissions {
	can := func(a domain.Action) bool { return g.Check(exec, idx, a, role) == nil }
	return domain.Permissions{
		CanSendPayment:       can(domain.ActionSendPayment),
		CanRequestFunds:      can(domain.ActionRequestFunds),
		CanUploadReport:      can(domain.ActionUploadReport),
		CanRequestReport:     can(domain.ActionRequestReport),
		CanRequestCompletion: can(domain.ActionRequestCompletion),
		CanApproveCompletion: can(domain.ActionApproveCompletion),
	}
}
