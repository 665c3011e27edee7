// Package fsm holds the phase lifecycle: which action moves a phase from
// which status, who may perform it, and what the next status is.
package fsm

import (
	"fmt"
	"slices"

	"github.com/felixgeelhaar/statekit"

	"phaseline/internal/domain"
)

// Rule describes one action on a phase. Side-channel rules leave To empty.
type Rule struct {
	Action         domain.Action
	From           []domain.PhaseStatus
	Actor          domain.Role
	To             domain.PhaseStatus
	RequiresReport bool
}

// ChangesStatus reports whether the rule advances the phase.
func (r Rule) ChangesStatus() bool { return r.To != "" }

var rules = []Rule{
	{Action: domain.ActionSendPayment, From: []domain.PhaseStatus{domain.PhasePending}, Actor: domain.RoleClient, To: domain.PhasePaymentSent},
	{Action: domain.ActionVerifyPayment, From: []domain.PhaseStatus{domain.PhasePaymentSent}, Actor: domain.RoleVerifier, To: domain.PhasePaymentVerified},
	{Action: domain.ActionRequestFunds, From: []domain.PhaseStatus{domain.PhasePaymentVerified}, Actor: domain.RoleContractor, To: domain.PhaseFundsRequested},
	{Action: domain.ActionReleaseFunds, From: []domain.PhaseStatus{domain.PhaseFundsRequested}, Actor: domain.RoleVerifier, To: domain.PhaseFundsReleased},
	{Action: domain.ActionStartWork, From: []domain.PhaseStatus{domain.PhaseFundsReleased}, Actor: domain.RoleSystem, To: domain.PhaseInProgress},
	{Action: domain.ActionRequestCompletion, From: []domain.PhaseStatus{domain.PhaseInProgress}, Actor: domain.RoleContractor, To: domain.PhaseCompletionRequested, RequiresReport: true},
	{Action: domain.ActionApproveCompletion, From: []domain.PhaseStatus{domain.PhaseCompletionRequested}, Actor: domain.RoleClient, To: domain.PhaseCompleted},

	{Action: domain.ActionUploadReport, From: []domain.PhaseStatus{domain.PhaseFundsReleased, domain.PhaseInProgress}, Actor: domain.RoleContractor},
	{Action: domain.ActionRequestReport, From: []domain.PhaseStatus{domain.PhaseInProgress}, Actor: domain.RoleClient},
}

// Rules returns a copy of the transition table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Lookup finds the rule for action.
func Lookup(action domain.Action) (Rule, bool) {
	for _, r := range rules {
		if r.Action == action {
			return r, true
		}
	}
	return Rule{}, false
}

// Check decides whether role may perform action on a phase in status with
// the given number of reports. It never mutates anything.
//
// The report guard is evaluated first so that a completion request on a
// phase without evidence fails the same way for every caller.
func Check(status domain.PhaseStatus, action domain.Action, role domain.Role, reports int) error {
	const op = "attempt transition"
	r, ok := Lookup(action)
	if !ok {
		return domain.Validation(op, "unknown action %q", action)
	}
	if !role.Valid() {
		return domain.Validation(op, "unknown role %q", role)
	}
	if r.RequiresReport && reports == 0 {
		return domain.PreconditionFailed(op, "%s requires at least one work report", action)
	}
	if !slices.Contains(r.From, status) {
		return domain.InvalidTransition(op, "%s is not allowed while phase is %s", action, status)
	}
	if role != r.Actor {
		return domain.PermissionDenied(op, "%s may only be performed by %s, not %s", action, r.Actor, role)
	}
	return nil
}

// Attempt checks the action and returns the status the phase moves to.
// Side-channel actions return the current status unchanged.
func Attempt(status domain.PhaseStatus, action domain.Action, role domain.Role, reports int) (domain.PhaseStatus, error) {
	if err := Check(status, action, role, reports); err != nil {
		return status, err
	}
	r, _ := Lookup(action)
	if !r.ChangesStatus() {
		return status, nil
	}
	return next(status, action, reports)
}

const guardHasReports = "hasReports"

type machineContext struct {
	Reports int
}

func sid(s domain.PhaseStatus) statekit.StateID { return statekit.StateID(s) }
func eid(a domain.Action) statekit.EventType    { return statekit.EventType(a) }

func buildMachine(initial domain.PhaseStatus, reports int) (*statekit.Interpreter[machineContext], error) {
	builder := statekit.NewMachine[machineContext]("phase-lifecycle").
		WithInitial(sid(initial)).
		WithContext(machineContext{Reports: reports}).
		WithGuard(guardHasReports, func(ctx machineContext, _ statekit.Event) bool {
			return ctx.Reports > 0
		})

	declared := map[domain.PhaseStatus]bool{}
	for _, r := range rules {
		if !r.ChangesStatus() {
			continue
		}
		for _, from := range r.From {
			if declared[from] {
				return nil, fmt.Errorf("phase machine: %s has more than one outgoing transition", from)
			}
			declared[from] = true
			t := builder.State(sid(from)).On(eid(r.Action)).Target(sid(r.To))
			if r.RequiresReport {
				t = t.Guard(guardHasReports)
			}
			t.Done()
		}
	}
	for _, st := range domain.PhaseStatuses() {
		if !declared[st] {
			builder.State(sid(st)).Done()
		}
	}

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build phase machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

func next(from domain.PhaseStatus, action domain.Action, reports int) (domain.PhaseStatus, error) {
	interp, err := buildMachine(from, reports)
	if err != nil {
		return from, err
	}
	interp.Send(statekit.Event{Type: eid(action)})
	to := domain.PhaseStatus(interp.State().Value)
	if to == from {
		return from, domain.InvalidTransition("attempt transition", "%s did not advance phase from %s", action, from)
	}
	if to.Rank() <= from.Rank() {
		return from, fmt.Errorf("phase machine moved backwards %s -> %s", from, to)
	}
	return to, nil
}
