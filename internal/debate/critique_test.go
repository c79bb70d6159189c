package debate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
)

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("critical"))
	assert.Equal(t, SeverityObservation, ParseSeverity("observation"))
	assert.Equal(t, SeverityMinor, ParseSeverity(""))
	assert.Equal(t, SeverityMinor, ParseSeverity("catastrophic"))
}

func TestParseDisposition(t *testing.T) {
	assert.Equal(t, DispositionPartialAccept, ParseDisposition("Partial Accept"))
	assert.Equal(t, DispositionDefer, ParseDisposition("Defer"))
	assert.Equal(t, DispositionAcknowledge, ParseDisposition(""))
	assert.Equal(t, DispositionAcknowledge, ParseDisposition("accept"))
}

func TestNormalizeCritiques(t *testing.T) {
	raw := []map[string]interface{}{
		{
			"id":             "c-1",
			"target_section": "approach",
			"challenge_type": "feasibility",
			"severity":       "critical",
			"title":          "No rollback plan",
			"argument":       "deployment is one-way",
		},
		{
			"title":    "Vague wording",
			"severity": "bogus",
		},
	}

	critiques := NormalizeCritiques(raw, "challenger")
	require.Len(t, critiques, 2)

	assert.Equal(t, "c-1", critiques[0].ID)
	assert.Equal(t, SeverityCritical, critiques[0].Severity)
	assert.Equal(t, "challenger", critiques[0].AgentRole)

	// Missing ID generated, unknown severity degraded, challenge type defaulted.
	assert.NotEmpty(t, critiques[1].ID)
	assert.Equal(t, SeverityMinor, critiques[1].Severity)
	assert.Equal(t, "general", critiques[1].ChallengeType)
}

func TestNormalizeResponses_DropsUnlinked(t *testing.T) {
	raw := []map[string]interface{}{
		{"critique_id": "c-1", "disposition": "Accept", "summary": "fixed"},
		{"disposition": "Accept", "summary": "orphan"},
		{"critique_id": "c-2", "disposition": "nonsense"},
	}

	responses := NormalizeResponses(raw, "strategist")
	require.Len(t, responses, 2)
	assert.Equal(t, "c-1", responses[0].CritiqueID)
	assert.Equal(t, DispositionAccept, responses[0].Disposition)
	assert.Equal(t, DispositionAcknowledge, responses[1].Disposition)
}

func TestCritiqueMessage(t *testing.T) {
	c := Critique{
		ID:            "c-9",
		TargetSection: "approach",
		ChallengeType: "feasibility",
		Severity:      SeverityCritical,
		Title:         "No rollback plan",
		Argument:      "deployment is one-way",
		AgentRole:     "challenger",
	}

	msg := CritiqueMessage(c, 2)
	assert.Equal(t, comms.MessageCritique, msg.Type)
	assert.True(t, msg.Broadcast)
	assert.Equal(t, 2, msg.RoundNumber)
	assert.Equal(t, comms.PriorityHigh, msg.Priority)
	assert.Equal(t, "c-9", msg.DataString("critique_id", ""))
	assert.Equal(t, "critical", msg.DataString("severity", ""))
	assert.Equal(t, "approach", msg.DataString("target_section", ""))
	assert.Equal(t, "No rollback plan: deployment is one-way", msg.Payload.Content)

	directed := CritiqueMessage(c, 2, "strategist")
	assert.False(t, directed.Broadcast)
	assert.Equal(t, []string{"strategist"}, directed.Recipients)
}

func TestResponseMessage(t *testing.T) {
	r := Response{
		CritiqueID:  "c-9",
		Disposition: DispositionRebut,
		Summary:     "rollback exists, see appendix",
		AgentRole:   "strategist",
	}

	msg := ResponseMessage(r, "msg-critique-9", 3)
	assert.Equal(t, comms.MessageResponse, msg.Type)
	assert.Equal(t, "msg-critique-9", msg.ParentID)
	assert.Equal(t, "msg-critique-9", msg.ThreadID)
	assert.Equal(t, "c-9", msg.DataString("critique_id", ""))
	assert.Equal(t, "Rebut", msg.DataString("disposition", ""))
}
