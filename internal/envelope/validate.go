package envelope

import (
	"strings"
	"time"

	val "github.com/go-playground/validator/v10"

	"github.com/felho/pairflow/internal/pferrors"
)

// validate is a single shared validator instance, as recommended by
// go-playground/validator (it caches struct reflection); adopted from
// the kubernaut member of this retrieval pack, which keeps one
// package-level *validator.Validate per service rather than constructing
// one per call.
var validate = val.New(val.WithRequiredStructEnabled())

// Validate checks e against spec.md §3's wire-format rules. Struct-level
// rules (known sender/recipient/type, non-negative round, non-empty refs
// entries, a set timestamp, well-formed findings) are enforced via
// validator/v10 tags on Envelope/Payload/Finding; the one rule tags
// cannot express — "payload field X is required only when type == Y" —
// is checked by hand in validatePayloadForType.
func Validate(e Envelope) error {
	if err := validate.Struct(e); err != nil {
		return translateValidationError(err)
	}
	return validatePayloadForType(e.Type, e.Payload)
}

// translateValidationError maps the first validator.FieldError into a
// pferrors.Error pointing at the JSON path that failed, matching the
// "payload.summary: ..." style spec.md §7 requires for validation errors.
func translateValidationError(err error) error {
	fieldErrs, ok := err.(val.ValidationErrors)
	if !ok || len(fieldErrs) == 0 {
		return pferrors.Wrap(pferrors.KindValidation, "", "envelope failed validation", err)
	}
	fe := fieldErrs[0]
	path := jsonPathOf(fe.Namespace())
	return pferrors.Validationf(path, "%s failed %q validation (value=%v)", path, fe.Tag(), fe.Value())
}

// jsonPathOf lowercases a validator namespace like "Envelope.Payload.Decision"
// into the dotted snake_case-ish path used in our JSON documents. This is a
// best-effort mapping for error messages, not a generic converter.
func jsonPathOf(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the leading "Envelope"/"Payload" root type name
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// validatePayloadForType enforces spec.md §3's per-type required payload
// fields: PASS/CONVERGENCE need non-empty summary; HUMAN_QUESTION needs
// question; HUMAN_REPLY needs message; APPROVAL_DECISION needs decision.
func validatePayloadForType(t Type, p Payload) error {
	switch t {
	case TypePass, TypeConvergence:
		if strings.TrimSpace(p.Summary) == "" {
			return pferrors.Validationf("payload.summary", "%s payload requires non-empty summary", t)
		}
	case TypeHumanQuestion:
		if strings.TrimSpace(p.Question) == "" {
			return pferrors.Validationf("payload.question", "HUMAN_QUESTION payload requires non-empty question")
		}
	case TypeHumanReply:
		if strings.TrimSpace(p.Message) == "" {
			return pferrors.Validationf("payload.message", "HUMAN_REPLY payload requires non-empty message")
		}
	case TypeApprovalDecision:
		switch p.Decision {
		case DecisionApprove, DecisionRevise, DecisionReject:
		default:
			return pferrors.Validationf("payload.decision", "APPROVAL_DECISION payload requires decision in approve,revise,reject, got %q", p.Decision)
		}
	}
	return nil
}

// isoTimestampLayout is the strict layout raw transcript timestamps must
// parse under when read back from disk (spec §3: "non-ISO timestamps...
// are rejected").
const isoTimestampLayout = time.RFC3339Nano

func parseTimestamp(raw string) (time.Time, error) {
	ts, err := time.Parse(isoTimestampLayout, raw)
	if err != nil {
		return time.Time{}, pferrors.Wrap(pferrors.KindValidation, "ts", "timestamp is not a valid ISO-8601/RFC3339 value", err)
	}
	return ts, nil
}
