package arbiter

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/debate"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/registry"
)

// fakeAgent drives scripted behavior per round type.
type fakeAgent struct {
	role     string
	category string

	mu      sync.Mutex
	process func(turn *registry.TurnContext) (*registry.AgentOutput, error)
}

func (f *fakeAgent) Role() string     { return f.role }
func (f *fakeAgent) Category() string { return f.category }

func (f *fakeAgent) Process(_ context.Context, turn *registry.TurnContext) (*registry.AgentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.process(turn)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type harness struct {
	reg     *registry.Registry
	bus     *comms.MessageBus
	history *comms.ConversationHistory
	arbiter *Arbiter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New()
	bus := comms.NewMessageBus(comms.DefaultBusConfig(), nil)
	t.Cleanup(bus.Stop)

	history := comms.NewConversationHistory()
	detector := debate.NewConsensusDetector(debate.DefaultConsensusConfig())
	rounds := debate.NewRoundManager(debate.DefaultRoundConfig(), history, bus, detector, quietLogger())
	scorer := NewConfidenceScorer(DefaultConfidenceThresholds())

	return &harness{
		reg:     reg,
		bus:     bus,
		history: history,
		arbiter: New(reg, bus, history, rounds, detector, scorer, quietLogger()),
	}
}

// cooperativeBlue drafts every required section and accepts every critique.
func cooperativeBlue(sections []string) *fakeAgent {
	return &fakeAgent{
		role:     "strategist",
		category: registry.CategoryBlueTeam,
		process: func(turn *registry.TurnContext) (*registry.AgentOutput, error) {
			out := &registry.AgentOutput{}
			switch turn.RoundType {
			case string(debate.RoundBlueBuild):
				out.Sections = make(map[string]string)
				for _, name := range sections {
					out.Sections[name] = "content for " + name
				}
			case string(debate.RoundBlueDefense):
				for _, c := range turn.Critiques {
					out.Responses = append(out.Responses, map[string]interface{}{
						"critique_id": c.ID,
						"disposition": "Accept",
						"summary":     "addressed " + c.Title,
					})
				}
			}
			return out, nil
		},
	}
}

// oneShotRed raises one major critique per drafted section on its first
// attack, then goes quiet.
func oneShotRed() *fakeAgent {
	attacked := false
	return &fakeAgent{
		role:     "challenger",
		category: registry.CategoryRedTeam,
		process: func(turn *registry.TurnContext) (*registry.AgentOutput, error) {
			out := &registry.AgentOutput{}
			if turn.RoundType != string(debate.RoundRedAttack) || attacked {
				return out, nil
			}
			attacked = true
			for name := range turn.Sections {
				out.Critiques = append(out.Critiques, map[string]interface{}{
					"target_section": name,
					"severity":       "major",
					"challenge_type": "completeness",
					"title":          "thin " + name,
					"argument":       "needs more depth",
				})
			}
			return out, nil
		},
	}
}

func TestArbiter_FullDebateReachesConsensus(t *testing.T) {
	h := newHarness(t)
	required := []string{"executive_summary", "approach"}
	require.NoError(t, h.reg.Register(cooperativeBlue(required)))
	require.NoError(t, h.reg.Register(oneShotRed()))

	report, err := h.arbiter.Run(context.Background(), DocumentTemplate{
		Type:             "strategy",
		RequiredSections: required,
	})
	require.NoError(t, err)
	require.True(t, h.bus.WaitForQueueEmpty(2*time.Second))

	assert.True(t, report.Success)
	assert.False(t, report.RequiresHumanReview)
	assert.Len(t, report.Sections, 2)
	assert.Contains(t, report.Sections, "approach")

	require.NotNil(t, report.FinalConsensus)
	assert.True(t, report.FinalConsensus.Reached)
	assert.Equal(t, debate.ActionProceedToSynthesis, report.NextAction)

	require.NotNil(t, report.Confidence)
	// Every critique accepted: base plus the accept bonus per section.
	assert.InDelta(t, 0.90, report.Confidence.OverallScore, 1e-9)

	// blue_build, red_attack, blue_defense, synthesis.
	require.Len(t, report.RoundSummaries, 4)
	assert.Equal(t, debate.RoundSynthesis, report.RoundSummaries[3].RoundType)
	assert.True(t, report.RoundSummaries[3].ConsensusReached)

	// The message stream reached history: one exchange per section, resolved.
	summary := h.history.Summary()
	assert.Equal(t, 2, summary.TotalExchanges)
	assert.Equal(t, 100.0, summary.ResolutionRate)
}

func TestArbiter_NoContentIsHardStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(&fakeAgent{
		role:     "strategist",
		category: registry.CategoryBlueTeam,
		process: func(*registry.TurnContext) (*registry.AgentOutput, error) {
			return &registry.AgentOutput{}, nil
		},
	}))
	require.NoError(t, h.reg.Register(&fakeAgent{
		role:     "challenger",
		category: registry.CategoryRedTeam,
		process: func(*registry.TurnContext) (*registry.AgentOutput, error) {
			return &registry.AgentOutput{}, nil
		},
	}))

	report, err := h.arbiter.Run(context.Background(), DocumentTemplate{Type: "strategy"})
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.True(t, report.RequiresHumanReview)
	assert.Contains(t, report.ReviewReasons, "no document content was produced")
	assert.Nil(t, report.Confidence)
	assert.Nil(t, report.FinalConsensus)
}

func TestArbiter_NoAgentsStopsAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)

	report, err := h.arbiter.Run(context.Background(), DocumentTemplate{Type: "strategy"})
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.True(t, report.RequiresHumanReview)
	// Every attempted round was aborted; the loop gave up rather than spin.
	summaries := report.RoundSummaries
	require.NotEmpty(t, summaries)
	assert.LessOrEqual(t, len(summaries), maxConsecutiveAborts)
	for _, s := range summaries {
		assert.Equal(t, debate.PhaseAborted, s.Phase)
	}
}

func TestArbiter_FailingAgentIsSkipped(t *testing.T) {
	h := newHarness(t)
	required := []string{"approach"}
	require.NoError(t, h.reg.Register(cooperativeBlue(required)))
	require.NoError(t, h.reg.Register(oneShotRed()))
	require.NoError(t, h.reg.Register(&fakeAgent{
		role:     "skeptic",
		category: registry.CategoryRedTeam,
		process: func(*registry.TurnContext) (*registry.AgentOutput, error) {
			return nil, errors.New("model unavailable")
		},
	}))

	report, err := h.arbiter.Run(context.Background(), DocumentTemplate{
		Type:             "strategy",
		RequiredSections: required,
	})
	require.NoError(t, err)

	// The healthy red agent still critiqued; the run completed.
	assert.True(t, report.Success)
	require.NotNil(t, report.FinalConsensus)
	assert.Equal(t, 1, report.FinalConsensus.TotalCritiques)
}

func TestArbiter_MissingSectionEscalates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(cooperativeBlue([]string{"approach"})))
	require.NoError(t, h.reg.Register(oneShotRed()))

	report, err := h.arbiter.Run(context.Background(), DocumentTemplate{
		Type:             "strategy",
		RequiredSections: []string{"approach", "risk_assessment"},
	})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.True(t, report.RequiresHumanReview)
	require.NotNil(t, report.Confidence)
	assert.Equal(t, []string{"risk_assessment"}, report.Confidence.MissingSections)
	assert.Contains(t, report.ReviewReasons, `required section "risk_assessment" was not drafted`)
}

func TestArbiter_UnresolvedCriticalBlocksConsensus(t *testing.T) {
	h := newHarness(t)

	// The blue agent drafts but never answers critiques.
	silentBlue := &fakeAgent{
		role:     "strategist",
		category: registry.CategoryBlueTeam,
		process: func(turn *registry.TurnContext) (*registry.AgentOutput, error) {
			out := &registry.AgentOutput{}
			if turn.RoundType == string(debate.RoundBlueBuild) {
				out.Sections = map[string]string{"approach": "content"}
			}
			return out, nil
		},
	}
	criticalRed := &fakeAgent{
		role:     "challenger",
		category: registry.CategoryRedTeam,
		process: func(turn *registry.TurnContext) (*registry.AgentOutput, error) {
			out := &registry.AgentOutput{}
			if turn.RoundType == string(debate.RoundRedAttack) && turn.RoundNumber == 2 {
				out.Critiques = append(out.Critiques, map[string]interface{}{
					"id":             "c-critical",
					"target_section": "approach",
					"severity":       "critical",
					"title":          "fatal flaw",
				})
			}
			return out, nil
		},
	}
	require.NoError(t, h.reg.Register(silentBlue))
	require.NoError(t, h.reg.Register(criticalRed))

	report, err := h.arbiter.Run(context.Background(), DocumentTemplate{
		Type:             "strategy",
		RequiredSections: []string{"approach"},
	})
	require.NoError(t, err)

	require.NotNil(t, report.FinalConsensus)
	assert.Equal(t, debate.ConsensusBlocked, report.FinalConsensus.Status)
	assert.False(t, report.FinalConsensus.Reached)
	assert.Equal(t, 0.0, report.FinalConsensus.Confidence)
	assert.Equal(t, debate.ActionAddressBlockingIssues, report.NextAction)

	// 0.85 - 0.25 critical penalty = 0.60, at the review gate but not below.
	assert.InDelta(t, 0.60, report.Confidence.OverallScore, 1e-9)
}
