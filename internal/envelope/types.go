// Package envelope implements the protocol envelope and the append-only
// transcript/inbox store described in spec.md §3 and §4.2: the canonical
// record of truth for a bubble's conversation between a human and the
// implementer/reviewer agents.
//
// Grounded on the teacher's internal/events.CloudEvent envelope (a typed,
// timestamped, source/subject-addressed record published through a single
// constructor) generalized from an in-memory pub/sub bus to an
// append-only NDJSON file, and on other_examples' session event log
// (monotonic per-record sequence ids as the forensic ordering key).
package envelope

import "time"

// Role identifies a participant that can send or receive an envelope.
type Role string

const (
	RoleImplementer  Role = "implementer"
	RoleReviewer     Role = "reviewer"
	RoleOrchestrator Role = "orchestrator"
	RoleHuman        Role = "human"
)

func (r Role) valid() bool {
	switch r {
	case RoleImplementer, RoleReviewer, RoleOrchestrator, RoleHuman:
		return true
	}
	return false
}

// Type is the envelope's protocol message type (spec §3).
type Type string

const (
	TypeTask             Type = "TASK"
	TypePass             Type = "PASS"
	TypeHumanQuestion    Type = "HUMAN_QUESTION"
	TypeHumanReply       Type = "HUMAN_REPLY"
	TypeConvergence      Type = "CONVERGENCE"
	TypeApprovalRequest  Type = "APPROVAL_REQUEST"
	TypeApprovalDecision Type = "APPROVAL_DECISION"
	TypeDonePackage      Type = "DONE_PACKAGE"
)

func (t Type) valid() bool {
	switch t {
	case TypeTask, TypePass, TypeHumanQuestion, TypeHumanReply, TypeConvergence, TypeApprovalRequest, TypeApprovalDecision, TypeDonePackage:
		return true
	}
	return false
}

// mirroredTypes is the subset of envelope types reflected into inbox.ndjson
// (spec §3 Inbox).
var mirroredTypes = map[Type]bool{
	TypeHumanQuestion:    true,
	TypeHumanReply:       true,
	TypeApprovalRequest:  true,
	TypeApprovalDecision: true,
}

// IsMirrored reports whether envelopes of type t are mirrored into the inbox.
func (t Type) IsMirrored() bool { return mirroredTypes[t] }

// Decision is an APPROVAL_DECISION payload value.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// PassIntent classifies a PASS envelope's purpose.
type PassIntent string

const (
	PassIntentTask       PassIntent = "task"
	PassIntentReview     PassIntent = "review"
	PassIntentFixRequest PassIntent = "fix_request"
)

// Severity is a review finding's severity.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3:
		return true
	}
	return false
}

// Finding is a single reviewer finding attached to a PASS or CONVERGENCE
// payload.
type Finding struct {
	Severity Severity `json:"severity" validate:"oneof=P0 P1 P2 P3"`
	Title    string   `json:"title" validate:"required"`
	Detail   string   `json:"detail,omitempty"`
	Code     string   `json:"code,omitempty"`
	Refs     []string `json:"refs,omitempty" validate:"dive,min=1"`
}

// Payload holds every field any envelope type may carry; which fields are
// populated and which are required is type-dependent (see Validate).
type Payload struct {
	Summary    string         `json:"summary,omitempty"`
	Question   string         `json:"question,omitempty"`
	Message    string         `json:"message,omitempty"`
	Decision   Decision       `json:"decision,omitempty" validate:"omitempty,oneof=approve revise reject"`
	PassIntent PassIntent     `json:"pass_intent,omitempty" validate:"omitempty,oneof=task review fix_request"`
	Findings   []Finding      `json:"findings,omitempty" validate:"dive"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Envelope is a single validated protocol message (spec §3).
type Envelope struct {
	ID        string    `json:"id" validate:"required"`
	Timestamp time.Time `json:"ts" validate:"required"`
	BubbleID  string    `json:"bubble_id" validate:"required"`
	Sender    Role      `json:"sender" validate:"oneof=implementer reviewer orchestrator human"`
	Recipient Role      `json:"recipient" validate:"oneof=implementer reviewer orchestrator human"`
	Type      Type      `json:"type" validate:"oneof=TASK PASS HUMAN_QUESTION HUMAN_REPLY CONVERGENCE APPROVAL_REQUEST APPROVAL_DECISION DONE_PACKAGE"`
	Round     int       `json:"round" validate:"gte=0"`
	Payload   Payload   `json:"payload"`
	Refs      []string  `json:"refs" validate:"dive,min=1"`
}

// HasP0OrP1 reports whether any finding in the payload is P0 or P1
// severity (used by the convergence gate, spec §4.4, §4.6).
func (p Payload) HasP0OrP1() bool {
	for _, f := range p.Findings {
		if f.Severity == SeverityP0 || f.Severity == SeverityP1 {
			return true
		}
	}
	return false
}
