// Package debate implements the adversarial debate engine: typed critique and
// response records, the round lifecycle state machine, and the consensus
// detector that scores how resolved a debate is.
package debate

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
)

// Severity classifies how serious a critique is.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityMajor       Severity = "major"
	SeverityMinor       Severity = "minor"
	SeverityObservation Severity = "observation"
)

// ParseSeverity normalizes a raw severity string. Unknown or empty values
// degrade to minor rather than failing: malformed agent output must never
// crash a debate mid-flight.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityObservation:
		return Severity(raw)
	default:
		return SeverityMinor
	}
}

// Disposition classifies a blue-team response to a critique. The string
// values are part of the external contract.
type Disposition string

const (
	DispositionAccept        Disposition = "Accept"
	DispositionPartialAccept Disposition = "Partial Accept"
	DispositionRebut         Disposition = "Rebut"
	DispositionAcknowledge   Disposition = "Acknowledge"
	DispositionDefer         Disposition = "Defer"
)

// ParseDisposition normalizes a raw disposition string, degrading unknown
// values to Acknowledge.
func ParseDisposition(raw string) Disposition {
	switch Disposition(raw) {
	case DispositionAccept, DispositionPartialAccept, DispositionRebut,
		DispositionAcknowledge, DispositionDefer:
		return Disposition(raw)
	default:
		return DispositionAcknowledge
	}
}

// Critique is a structured objection to a document section.
type Critique struct {
	ID              string   `json:"id"`
	TargetSection   string   `json:"target_section"`
	ChallengeType   string   `json:"challenge_type"`
	Severity        Severity `json:"severity"`
	Title           string   `json:"title"`
	Argument        string   `json:"argument"`
	SuggestedRemedy string   `json:"suggested_remedy,omitempty"`
	AgentRole       string   `json:"agent_role,omitempty"`
}

// Response is a blue-team reply to a critique.
type Response struct {
	CritiqueID  string      `json:"critique_id"`
	Disposition Disposition `json:"disposition"`
	Summary     string      `json:"summary"`
	Action      string      `json:"action,omitempty"`
	AgentRole   string      `json:"agent_role,omitempty"`
}

// NormalizeCritiques converts raw agent-output maps into typed critiques at
// the ingestion boundary. Missing fields take lenient defaults; a missing ID
// is generated so downstream linkage still works.
func NormalizeCritiques(raw []map[string]interface{}, agentRole string) []Critique {
	out := make([]Critique, 0, len(raw))
	for _, entry := range raw {
		c := Critique{
			ID:              stringField(entry, "id"),
			TargetSection:   stringField(entry, "target_section"),
			ChallengeType:   stringField(entry, "challenge_type"),
			Severity:        ParseSeverity(stringField(entry, "severity")),
			Title:           stringField(entry, "title"),
			Argument:        stringField(entry, "argument"),
			SuggestedRemedy: stringField(entry, "suggested_remedy"),
			AgentRole:       agentRole,
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.ChallengeType == "" {
			c.ChallengeType = "general"
		}
		out = append(out, c)
	}
	return out
}

// NormalizeResponses converts raw agent-output maps into typed responses.
// Entries without a critique_id cannot be linked to anything and are dropped.
func NormalizeResponses(raw []map[string]interface{}, agentRole string) []Response {
	out := make([]Response, 0, len(raw))
	for _, entry := range raw {
		critiqueID := stringField(entry, "critique_id")
		if critiqueID == "" {
			continue
		}
		out = append(out, Response{
			CritiqueID:  critiqueID,
			Disposition: ParseDisposition(stringField(entry, "disposition")),
			Summary:     stringField(entry, "summary"),
			Action:      stringField(entry, "action"),
			AgentRole:   agentRole,
		})
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// CritiqueMessage builds the bus message announcing a critique. The critique
// ID travels in the payload data so responses can be linked back to it.
func CritiqueMessage(c Critique, round int, recipients ...string) *comms.Message {
	opts := []comms.MessageOption{
		comms.WithRound(round),
		comms.WithData("critique_id", c.ID),
		comms.WithData("severity", string(c.Severity)),
		comms.WithData("challenge_type", c.ChallengeType),
		comms.WithData("target_section", c.TargetSection),
	}
	if len(recipients) > 0 {
		opts = append(opts, comms.WithRecipients(recipients...))
	} else {
		opts = append(opts, comms.WithBroadcast())
	}
	if c.Severity == SeverityCritical {
		opts = append(opts, comms.WithPriority(comms.PriorityHigh))
	}
	content := c.Title
	if c.Argument != "" {
		content = fmt.Sprintf("%s: %s", c.Title, c.Argument)
	}
	return comms.NewMessage(comms.MessageCritique, c.AgentRole, content, opts...)
}

// ResponseMessage builds the bus message answering a critique message. The
// parent link is what resolves the exchange in history.
func ResponseMessage(r Response, critiqueMessageID string, round int, recipients ...string) *comms.Message {
	opts := []comms.MessageOption{
		comms.WithRound(round),
		comms.WithParent(critiqueMessageID),
		comms.WithData("critique_id", r.CritiqueID),
		comms.WithData("disposition", string(r.Disposition)),
	}
	if len(recipients) > 0 {
		opts = append(opts, comms.WithRecipients(recipients...))
	} else {
		opts = append(opts, comms.WithBroadcast())
	}
	return comms.NewMessage(comms.MessageResponse, r.AgentRole, r.Summary, opts...)
}
