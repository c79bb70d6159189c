package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/debate"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/registry"
)

// maxConsecutiveAborts stops a debate whose rounds keep failing back to
// back; otherwise a persistently failing phase would cycle forever.
const maxConsecutiveAborts = 3

// DocumentTemplate names a document type and the sections it must contain.
type DocumentTemplate struct {
	Type             string   `json:"type" yaml:"type"`
	RequiredSections []string `json:"required_sections" yaml:"required_sections"`
}

// DebateReport is the final output of a debate run.
type DebateReport struct {
	DocumentType        string                 `json:"document_type"`
	Success             bool                   `json:"success"`
	Sections            map[string]string      `json:"sections"`
	Confidence          *ConfidenceScore       `json:"confidence,omitempty"`
	FinalConsensus      *debate.ConsensusResult `json:"final_consensus,omitempty"`
	NextAction          string                 `json:"next_action,omitempty"`
	RoundSummaries      []*debate.RoundSummary `json:"round_summaries"`
	RequiresHumanReview bool                   `json:"requires_human_review"`
	ReviewReasons       []string               `json:"review_reasons,omitempty"`
	Duration            time.Duration          `json:"duration"`
}

// Arbiter orchestrates the debate: it asks the round manager for the next
// round, fans the registered agents out for that phase, feeds their output
// through the bus and history, and finally synthesizes the document with a
// confidence score. Round and agent failures degrade to the next phase
// instead of aborting the workflow; the single hard-stop condition is a run
// that produced no content at all.
type Arbiter struct {
	reg      *registry.Registry
	bus      *comms.MessageBus
	history  *comms.ConversationHistory
	rounds   *debate.RoundManager
	detector *debate.ConsensusDetector
	scorer   *ConfidenceScorer
	logger   *logrus.Logger
}

// New wires an arbiter from its collaborators. All are injected; the arbiter
// owns none of them.
func New(reg *registry.Registry, bus *comms.MessageBus, history *comms.ConversationHistory, rounds *debate.RoundManager, detector *debate.ConsensusDetector, scorer *ConfidenceScorer, logger *logrus.Logger) *Arbiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Arbiter{
		reg:      reg,
		bus:      bus,
		history:  history,
		rounds:   rounds,
		detector: detector,
		scorer:   scorer,
		logger:   logger,
	}
}

// debateState carries the accumulated artifacts of one run.
type debateState struct {
	sections      map[string]string
	allCritiques  []debate.Critique
	allResponses  []debate.Response
	pending       []debate.Critique
	critiqueMsgID map[string]string
}

// Run executes the full debate loop to synthesis and returns the report.
func (a *Arbiter) Run(ctx context.Context, template DocumentTemplate) (*DebateReport, error) {
	start := time.Now()
	state := &debateState{
		sections:      make(map[string]string),
		critiqueMsgID: make(map[string]string),
	}

	consecutiveAborts := 0
	for {
		next, ok := a.rounds.NextRoundType()
		if !ok {
			break
		}

		roundNumber, err := a.rounds.StartRound(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("arbiter: starting %s round: %w", next, err)
		}

		if err := a.runPhase(ctx, next, roundNumber, state); err != nil {
			a.logger.WithError(err).WithField("round_type", next).
				Error("phase failed, aborting round and continuing")
			if _, abortErr := a.rounds.AbortRound(ctx, err.Error()); abortErr != nil {
				a.logger.WithError(abortErr).Warn("abort after phase failure also failed")
			}
			consecutiveAborts++
			if consecutiveAborts >= maxConsecutiveAborts {
				a.logger.Error("too many consecutive round failures, stopping debate")
				break
			}
			continue
		}
		consecutiveAborts = 0

		if _, err := a.rounds.EndRound(ctx, true); err != nil {
			a.logger.WithError(err).Warn("ending round failed")
		}
	}

	return a.finalize(template, state, start), nil
}

func (a *Arbiter) runPhase(ctx context.Context, roundType debate.RoundType, roundNumber int, state *debateState) error {
	switch roundType {
	case debate.RoundBlueBuild:
		return a.runBlueBuild(ctx, roundNumber, state)
	case debate.RoundRedAttack:
		return a.runRedAttack(ctx, roundNumber, state)
	case debate.RoundBlueDefense:
		return a.runBlueDefense(ctx, roundNumber, state)
	case debate.RoundSynthesis:
		return a.runSynthesis(ctx, roundNumber, state)
	default:
		return fmt.Errorf("arbiter: unknown round type %q", roundType)
	}
}

// collect fans a turn out to the given agents in parallel. Individual agent
// failures are logged and skipped: one misbehaving agent must not take the
// round down.
func (a *Arbiter) collect(ctx context.Context, agents []registry.Agent, turn *registry.TurnContext) []*registry.AgentOutput {
	var (
		mu      sync.Mutex
		outputs []*registry.AgentOutput
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			out, err := agent.Process(gctx, turn)
			if err != nil {
				a.logger.WithError(err).WithField("agent", agent.Role()).
					Warn("agent processing failed")
				return nil
			}
			if out == nil {
				return nil
			}
			mu.Lock()
			outputs = append(outputs, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

func (a *Arbiter) runBlueBuild(ctx context.Context, roundNumber int, state *debateState) error {
	agents := a.reg.ByCategory(registry.CategoryBlueTeam)
	if len(agents) == 0 {
		return fmt.Errorf("arbiter: no blue-team agents registered")
	}

	turn := &registry.TurnContext{
		RoundNumber: roundNumber,
		RoundType:   string(debate.RoundBlueBuild),
		Sections:    copySections(state.sections),
	}

	for _, out := range a.collect(ctx, agents, turn) {
		for name, content := range out.Sections {
			state.sections[name] = content
			msg := comms.NewMessage(comms.MessageDraft, registry.CategoryBlueTeam, content,
				comms.WithBroadcast(),
				comms.WithRound(roundNumber),
				comms.WithData("target_section", name),
			)
			a.dispatch(ctx, msg)
		}
	}
	return nil
}

func (a *Arbiter) runRedAttack(ctx context.Context, roundNumber int, state *debateState) error {
	agents := a.reg.ByCategory(registry.CategoryRedTeam)
	if len(agents) == 0 {
		return fmt.Errorf("arbiter: no red-team agents registered")
	}

	turn := &registry.TurnContext{
		RoundNumber: roundNumber,
		RoundType:   string(debate.RoundRedAttack),
		Sections:    copySections(state.sections),
	}

	for _, out := range a.collect(ctx, agents, turn) {
		critiques := debate.NormalizeCritiques(out.Critiques, registry.CategoryRedTeam)
		for _, c := range critiques {
			msg := debate.CritiqueMessage(c, roundNumber)
			a.dispatch(ctx, msg)
			state.critiqueMsgID[c.ID] = msg.ID
			state.pending = append(state.pending, c)
			state.allCritiques = append(state.allCritiques, c)
		}
	}
	return nil
}

func (a *Arbiter) runBlueDefense(ctx context.Context, roundNumber int, state *debateState) error {
	agents := a.reg.ByCategory(registry.CategoryBlueTeam)
	if len(agents) == 0 {
		return fmt.Errorf("arbiter: no blue-team agents registered")
	}

	turn := &registry.TurnContext{
		RoundNumber: roundNumber,
		RoundType:   string(debate.RoundBlueDefense),
		Sections:    copySections(state.sections),
		Critiques:   append([]debate.Critique(nil), state.pending...),
	}

	answered := make(map[string]bool)
	for _, out := range a.collect(ctx, agents, turn) {
		responses := debate.NormalizeResponses(out.Responses, registry.CategoryBlueTeam)
		for _, r := range responses {
			msgID, ok := state.critiqueMsgID[r.CritiqueID]
			if !ok {
				a.logger.WithField("critique_id", r.CritiqueID).
					Warn("response to unknown critique dropped")
				continue
			}
			if answered[r.CritiqueID] {
				continue
			}
			msg := debate.ResponseMessage(r, msgID, roundNumber)
			a.dispatch(ctx, msg)
			answered[r.CritiqueID] = true
			state.allResponses = append(state.allResponses, r)
		}
		// Revised sections produced while defending are folded back in.
		for name, content := range out.Sections {
			state.sections[name] = content
		}
	}

	remaining := state.pending[:0]
	for _, c := range state.pending {
		if !answered[c.ID] {
			remaining = append(remaining, c)
		}
	}
	state.pending = remaining
	return nil
}

func (a *Arbiter) runSynthesis(ctx context.Context, roundNumber int, state *debateState) error {
	msg := comms.NewMessage(comms.MessageSynthesis, "arbiter",
		fmt.Sprintf("synthesized %d sections", len(state.sections)),
		comms.WithBroadcast(),
		comms.WithRound(roundNumber),
	)
	a.dispatch(ctx, msg)
	return nil
}

// dispatch publishes a message to the bus and records it in history. Publish
// failures are logged, not propagated: losing one announcement must not stop
// the debate.
func (a *Arbiter) dispatch(ctx context.Context, msg *comms.Message) {
	if err := a.bus.Publish(ctx, msg); err != nil {
		a.logger.WithError(err).WithField("message_id", msg.ID).
			Warn("bus publish failed")
	}
	a.history.RecordMessage(msg)
}

// finalize scores the document and assembles the report. A run with zero
// drafted sections is the single hard-stop condition: it short-circuits to a
// failed report routed to human review.
func (a *Arbiter) finalize(template DocumentTemplate, state *debateState, start time.Time) *DebateReport {
	report := &DebateReport{
		DocumentType:   template.Type,
		Sections:       state.sections,
		RoundSummaries: a.rounds.Summaries(),
		Duration:       time.Since(start),
	}

	if len(state.sections) == 0 {
		report.Success = false
		report.RequiresHumanReview = true
		report.ReviewReasons = append(report.ReviewReasons,
			"no document content was produced")
		return report
	}

	report.FinalConsensus = a.detector.Check(state.allCritiques, state.allResponses)
	report.NextAction = a.detector.SuggestNextAction(report.FinalConsensus)

	conf := a.scorer.Score(state.sections, template.RequiredSections,
		state.allCritiques, state.allResponses)
	report.Confidence = conf
	report.RequiresHumanReview = conf.RequiresHumanReview
	report.ReviewReasons = append(report.ReviewReasons, conf.ReviewReasons...)

	if conf.OverallScore < a.scorer.ReviewThreshold() {
		report.RequiresHumanReview = true
		report.ReviewReasons = append(report.ReviewReasons,
			fmt.Sprintf("overall confidence %.2f below review threshold %.2f",
				conf.OverallScore, a.scorer.ReviewThreshold()))
	}

	report.Success = true
	return report
}

func copySections(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
