// Package deadlines derives the payment and response deadlines that follow a
// treatment proposal being sent or accepted.
package deadlines

import (
	"sort"
	"time"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// Deadline labels before the patient name is appended
const (
	LabelProposalResponse = "Proposal response"
	LabelSchedulingFee    = "Scheduling fee"
	LabelDownPayment      = "Down payment"
	LabelRemainingPayment = "Remaining payment"
)

// AnchorEvent is the input of a cascade run
type AnchorEvent struct {
	Kind       types.AnchorKind
	PatientRef string
	Date       time.Time

	// PlannedDate is the planned procedure date, required for proposal_accepted
	PlannedDate *time.Time
}

type rule struct {
	label  string
	offset int
	// fromPlanned counts offset from the planned procedure date instead of the anchor
	fromPlanned bool
}

var rules = map[types.AnchorKind][]rule{
	types.AnchorProposalSent: {
		{label: LabelProposalResponse, offset: 3},
	},
	types.AnchorProposalAccepted: {
		{label: LabelSchedulingFee, offset: 2},
		{label: LabelDownPayment, offset: -7, fromPlanned: true},
		{label: LabelRemainingPayment, offset: -2, fromPlanned: true},
	},
}

// ComputeCascade returns the deadlines derived from an anchor date. It works on
// calendar days and has no side effects.
func ComputeCascade(kind types.AnchorKind, anchor time.Time, planned *time.Time) ([]types.Deadline, error) {
	ruleset, ok := rules[kind]
	if !ok {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "unknown anchor kind", map[string]interface{}{
			"anchor_kind": kind,
		})
	}
	if anchor.IsZero() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "anchor date is required", nil)
	}

	base := day(anchor)
	var plannedDay time.Time
	for _, r := range ruleset {
		if r.fromPlanned && (planned == nil || planned.IsZero()) {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput, "planned procedure date is required", map[string]interface{}{
				"anchor_kind": kind,
			})
		}
	}
	if planned != nil {
		plannedDay = day(*planned)
	}

	out := make([]types.Deadline, 0, len(ruleset))
	for _, r := range ruleset {
		from := base
		if r.fromPlanned {
			from = plannedDay
		}
		out = append(out, types.Deadline{
			Label:  r.label,
			Date:   from.AddDate(0, 0, r.offset),
			Status: types.DeadlinePending,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// day truncates t to midnight in its own location
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
