package types

import "time"

// AnchorKind identifies the event a deadline cascade is derived from
type AnchorKind string

const (
	AnchorProposalSent     AnchorKind = "proposal_sent"
	AnchorProposalAccepted AnchorKind = "proposal_accepted"
)

// DeadlineStatus represents the state of a single derived deadline
type DeadlineStatus string

const (
	DeadlinePending DeadlineStatus = "pending"
	DeadlineMet     DeadlineStatus = "met"
	DeadlineMissed  DeadlineStatus = "missed"
)

// Deadline is one derived (label, date, status) tuple
type Deadline struct {
	Label  string         `json:"label"`
	Date   time.Time      `json:"date"`
	Status DeadlineStatus `json:"status"`
}

// DeadlineSet holds the active cascade for a patient. At most one exists per patient.
type DeadlineSet struct {
	PatientRef  string     `json:"patient_ref" db:"patient_ref"`
	AnchorKind  AnchorKind `json:"anchor_kind" db:"anchor_kind"`
	AnchorDate  time.Time  `json:"anchor_date" db:"anchor_date"`
	PlannedDate *time.Time `json:"planned_date,omitempty" db:"planned_date"`
	Deadlines   []Deadline `json:"deadlines" db:"deadlines"`
	Warning     string     `json:"warning,omitempty" db:"warning"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// ProposalStatus represents treatment proposal status values
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalSent     ProposalStatus = "sent"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// Valid reports whether s is a known proposal status
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalDraft, ProposalSent, ProposalAccepted, ProposalRejected:
		return true
	}
	return false
}

// Proposal is the anchor record for the deadline cascade
type Proposal struct {
	ID                   string         `json:"id" db:"id"`
	PatientRef           string         `json:"patient_ref" db:"patient_ref"`
	Status               ProposalStatus `json:"status" db:"status"`
	SentAt               *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	AcceptedAt           *time.Time     `json:"accepted_at,omitempty" db:"accepted_at"`
	PlannedProcedureDate *time.Time     `json:"planned_procedure_date,omitempty" db:"planned_procedure_date"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}
