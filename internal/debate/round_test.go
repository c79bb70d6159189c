package debate

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(config RoundConfig) (*RoundManager, *comms.ConversationHistory) {
	history := comms.NewConversationHistory()
	rm := NewRoundManager(config, history, nil, NewConsensusDetector(DefaultConsensusConfig()), quietLogger())
	return rm, history
}

// runRound starts a round, runs fn against the history, and ends the round.
func runRound(t *testing.T, rm *RoundManager, h *comms.ConversationHistory, roundType RoundType, fn func(round int)) *RoundSummary {
	t.Helper()
	ctx := context.Background()
	round, err := rm.StartRound(ctx, roundType)
	require.NoError(t, err)
	if fn != nil {
		fn(round)
	}
	summary, err := rm.EndRound(ctx, true)
	require.NoError(t, err)
	return summary
}

func recordCritique(h *comms.ConversationHistory, round int, severity string) *comms.Message {
	msg := comms.NewMessage(comms.MessageCritique, "challenger", "objection",
		comms.WithBroadcast(),
		comms.WithRound(round),
		comms.WithData("severity", severity))
	h.RecordMessage(msg)
	return msg
}

func recordResponse(h *comms.ConversationHistory, round int, critiqueMsgID, disposition string) {
	h.RecordMessage(comms.NewMessage(comms.MessageResponse, "strategist", "handled",
		comms.WithBroadcast(),
		comms.WithRound(round),
		comms.WithParent(critiqueMsgID),
		comms.WithData("disposition", disposition)))
}

func TestRoundManager_OnlyOneActiveRound(t *testing.T) {
	rm, _ := newTestManager(DefaultRoundConfig())
	ctx := context.Background()

	round, err := rm.StartRound(ctx, RoundBlueBuild)
	require.NoError(t, err)
	assert.Equal(t, 1, round)

	_, err = rm.StartRound(ctx, RoundRedAttack)
	assert.ErrorIs(t, err, ErrRoundActive)

	_, err = rm.EndRound(ctx, false)
	require.NoError(t, err)

	_, err = rm.EndRound(ctx, false)
	assert.ErrorIs(t, err, ErrNoActiveRound)
	_, err = rm.AbortRound(ctx, "nothing to abort")
	assert.ErrorIs(t, err, ErrNoActiveRound)
}

func TestRoundManager_TransitionTable(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())

	next, ok := rm.NextRoundType()
	require.True(t, ok)
	assert.Equal(t, RoundBlueBuild, next)

	runRound(t, rm, h, RoundBlueBuild, nil)
	next, _ = rm.NextRoundType()
	assert.Equal(t, RoundRedAttack, next)

	var critique *comms.Message
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		critique = recordCritique(h, round, "major")
	})
	next, _ = rm.NextRoundType()
	assert.Equal(t, RoundBlueDefense, next)

	runRound(t, rm, h, RoundBlueDefense, func(round int) {
		recordResponse(h, round, critique.ID, "Accept")
	})

	// Everything resolved: consensus reached, synthesis next.
	assert.True(t, rm.ConsensusReached())
	next, ok = rm.NextRoundType()
	require.True(t, ok)
	assert.Equal(t, RoundSynthesis, next)

	runRound(t, rm, h, RoundSynthesis, nil)
	_, ok = rm.NextRoundType()
	assert.False(t, ok)
	assert.False(t, rm.ShouldContinue())
}

func TestRoundManager_UnresolvedCritiquesContinueDebate(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())

	runRound(t, rm, h, RoundBlueBuild, nil)
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		recordCritique(h, round, "major")
		recordCritique(h, round, "minor")
	})
	summary := runRound(t, rm, h, RoundBlueDefense, nil)

	assert.Equal(t, 0.0, summary.ResolutionRate)
	assert.False(t, summary.ConsensusReached)
	assert.Equal(t, 1, rm.AdversarialCycles())

	next, ok := rm.NextRoundType()
	require.True(t, ok)
	assert.Equal(t, RoundRedAttack, next)
}

func TestRoundManager_MaxAdversarialRoundsForcesSynthesis(t *testing.T) {
	cfg := DefaultRoundConfig()
	cfg.MaxAdversarialRounds = 1
	rm, h := newTestManager(cfg)

	runRound(t, rm, h, RoundBlueBuild, nil)
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		recordCritique(h, round, "major")
	})
	runRound(t, rm, h, RoundBlueDefense, nil)

	// Unresolved major remains, but the cycle budget is spent.
	assert.False(t, rm.ConsensusReached())
	next, ok := rm.NextRoundType()
	require.True(t, ok)
	assert.Equal(t, RoundSynthesis, next)
}

func TestRoundManager_BlockingIssueDefersSynthesis(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())

	runRound(t, rm, h, RoundBlueBuild, nil)
	var critical, minor *comms.Message
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		critical = recordCritique(h, round, "critical")
		minor = recordCritique(h, round, "minor")
	})
	summary := runRound(t, rm, h, RoundBlueDefense, func(round int) {
		recordResponse(h, round, minor.ID, "Accept")
	})

	assert.Equal(t, 1, summary.CriticalUnresolved)
	assert.True(t, summary.HasBlockingIssues)
	assert.False(t, summary.ConsensusReached)
	assert.Equal(t, 0.0, summary.ConsensusConfidence)

	next, _ := rm.NextRoundType()
	assert.Equal(t, RoundRedAttack, next)

	// The critical gets answered in the next cycle.
	runRound(t, rm, h, RoundRedAttack, nil)
	summary = runRound(t, rm, h, RoundBlueDefense, func(round int) {
		recordResponse(h, round, critical.ID, "Accept")
	})
	assert.Equal(t, 100.0, summary.ResolutionRate)
	assert.True(t, summary.ConsensusReached)
}

func TestRoundManager_ConsensusIsSticky(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())

	runRound(t, rm, h, RoundBlueBuild, nil)
	var critique *comms.Message
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		critique = recordCritique(h, round, "major")
	})
	runRound(t, rm, h, RoundBlueDefense, func(round int) {
		recordResponse(h, round, critique.ID, "Accept")
	})
	require.True(t, rm.ConsensusReached())

	// New unresolved critiques after the fact do not revoke consensus.
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		recordCritique(h, round, "critical")
	})
	summary := runRound(t, rm, h, RoundBlueDefense, nil)

	assert.True(t, rm.ConsensusReached())
	assert.True(t, summary.ConsensusReached)
	next, _ := rm.NextRoundType()
	assert.Equal(t, RoundSynthesis, next)
}

func TestRoundManager_ZeroCritiquesRouteToSynthesis(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())

	runRound(t, rm, h, RoundBlueBuild, func(round int) {
		h.RecordMessage(comms.NewMessage(comms.MessageDraft, "strategist", "draft",
			comms.WithBroadcast(), comms.WithRound(round)))
	})
	runRound(t, rm, h, RoundRedAttack, nil)
	summary := runRound(t, rm, h, RoundBlueDefense, nil)

	assert.Equal(t, 100.0, summary.ResolutionRate)
	assert.True(t, summary.ConsensusReached)
	next, ok := rm.NextRoundType()
	require.True(t, ok)
	assert.Equal(t, RoundSynthesis, next)
}

func TestRoundManager_AbortRecordsSummary(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())
	ctx := context.Background()

	runRound(t, rm, h, RoundBlueBuild, nil)
	runRound(t, rm, h, RoundRedAttack, func(round int) {
		recordCritique(h, round, "major")
	})

	_, err := rm.StartRound(ctx, RoundBlueDefense)
	require.NoError(t, err)
	summary, err := rm.AbortRound(ctx, "agent timed out")
	require.NoError(t, err)

	assert.Equal(t, PhaseAborted, summary.Phase)
	assert.Equal(t, "agent timed out", summary.AbortReason)
	assert.False(t, summary.ConsensusReached)
	// Aborted defense rounds do not consume the cycle budget.
	assert.Equal(t, 0, rm.AdversarialCycles())
	assert.Len(t, rm.Summaries(), 3)
}

func TestRoundManager_SummaryTrafficCounters(t *testing.T) {
	rm, h := newTestManager(DefaultRoundConfig())

	runRound(t, rm, h, RoundBlueBuild, nil)
	summary := runRound(t, rm, h, RoundRedAttack, func(round int) {
		msg := comms.NewMessage(comms.MessageCritique, "challenger", "thin",
			comms.WithBroadcast(),
			comms.WithRound(round),
			comms.WithData("severity", "major"),
			comms.WithData("target_section", "approach"))
		h.RecordMessage(msg)
		recordCritique(h, round, "minor")
	})

	assert.Equal(t, RoundRedAttack, summary.RoundType)
	assert.Equal(t, 2, summary.MessageCount)
	assert.Equal(t, 2, summary.CritiqueCount)
	assert.Equal(t, 1, summary.SeverityCounts["major"])
	assert.Equal(t, 1, summary.SeverityCounts["minor"])
	assert.Equal(t, []string{"approach"}, summary.Sections)
	assert.GreaterOrEqual(t, summary.DurationSeconds, 0.0)
}

func TestRoundManager_RoundExpiry(t *testing.T) {
	cfg := DefaultRoundConfig()
	cfg.MaxDuration = time.Millisecond
	rm, _ := newTestManager(cfg)
	ctx := context.Background()

	assert.False(t, rm.IsRoundExpired())

	_, err := rm.StartRound(ctx, RoundBlueBuild)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, rm.IsRoundExpired())
	// Expiry is advisory: the round is still active until the caller acts.
	_, roundType, active := rm.CurrentRound()
	assert.True(t, active)
	assert.Equal(t, RoundBlueBuild, roundType)
}

func TestRoundManager_AnnouncesTransitionsOnBus(t *testing.T) {
	bus := comms.NewMessageBus(comms.DefaultBusConfig(), nil)
	defer bus.Stop()

	history := comms.NewConversationHistory()
	rm := NewRoundManager(DefaultRoundConfig(), history, bus,
		NewConsensusDetector(DefaultConsensusConfig()), quietLogger())
	ctx := context.Background()

	_, err := rm.StartRound(ctx, RoundBlueBuild)
	require.NoError(t, err)
	_, err = rm.EndRound(ctx, false)
	require.NoError(t, err)
	require.True(t, bus.WaitForQueueEmpty(2*time.Second))

	start := comms.MessageRoundStart
	end := comms.MessageRoundEnd
	assert.Len(t, bus.History(comms.HistoryQuery{Type: &start}), 1)
	assert.Len(t, bus.History(comms.HistoryQuery{Type: &end}), 1)
}
