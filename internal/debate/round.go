package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
)

// Round lifecycle errors.
var (
	// ErrRoundActive is returned by StartRound while another round is active.
	ErrRoundActive = errors.New("debate: a round is already active")
	// ErrNoActiveRound is returned by EndRound/AbortRound with nothing to end.
	ErrNoActiveRound = errors.New("debate: no active round")
)

// RoundType identifies the kind of round in the debate cycle.
type RoundType string

const (
	RoundBlueBuild   RoundType = "blue_build"
	RoundRedAttack   RoundType = "red_attack"
	RoundBlueDefense RoundType = "blue_defense"
	RoundSynthesis   RoundType = "synthesis"
)

// RoundPhase is the lifecycle state of the current round.
type RoundPhase string

const (
	PhasePending  RoundPhase = "pending"
	PhaseActive   RoundPhase = "active"
	PhaseComplete RoundPhase = "complete"
	PhaseAborted  RoundPhase = "aborted"
)

// RoundConfig configures the round lifecycle.
type RoundConfig struct {
	// MaxAdversarialRounds caps the number of completed blue-defense rounds
	// before the debate is forced to synthesis.
	MaxAdversarialRounds int `json:"max_adversarial_rounds" yaml:"max_adversarial_rounds"`
	// ConsensusThreshold is the resolution rate (0-1) required for consensus.
	ConsensusThreshold float64 `json:"consensus_threshold" yaml:"consensus_threshold"`
	// MaxDuration bounds a single round. The manager only exposes the expiry
	// check; enforcement is the caller's responsibility.
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
	// PublishEvents controls whether round transitions are announced on the bus.
	PublishEvents bool `json:"publish_events" yaml:"publish_events"`
}

// DefaultRoundConfig returns the standard round configuration.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		MaxAdversarialRounds: 3,
		ConsensusThreshold:   0.8,
		MaxDuration:          10 * time.Minute,
		PublishEvents:        true,
	}
}

// RoundSummary is the immutable snapshot computed when a round ends. Its
// field names are part of the serialization contract with the UI layer.
type RoundSummary struct {
	RoundNumber         int            `json:"round_number"`
	RoundType           RoundType      `json:"round_type"`
	Phase               RoundPhase     `json:"phase"`
	DurationSeconds     float64        `json:"duration_seconds"`
	MessageCount        int            `json:"message_count"`
	CritiqueCount       int            `json:"critique_count"`
	ResponseCount       int            `json:"response_count"`
	ResolutionRate      float64        `json:"resolution_rate"`
	SeverityCounts      map[string]int `json:"severity_counts"`
	DispositionCounts   map[string]int `json:"disposition_counts"`
	Sections            []string       `json:"sections"`
	CriticalUnresolved  int            `json:"critical_unresolved"`
	HasBlockingIssues   bool           `json:"has_blocking_issues"`
	ConsensusReached    bool           `json:"consensus_reached"`
	ConsensusConfidence float64        `json:"consensus_confidence"`
	AbortReason         string         `json:"abort_reason,omitempty"`
}

// RoundManager owns the round lifecycle state machine. Rounds cycle
// blue_build -> red_attack -> blue_defense -> (red_attack again, up to
// MaxAdversarialRounds blue-defense completions) -> synthesis. Only one round
// may be active at a time; the mutex guards state transitions against
// concurrent callers.
type RoundManager struct {
	config   RoundConfig
	history  *comms.ConversationHistory
	bus      *comms.MessageBus
	detector *ConsensusDetector
	logger   *logrus.Logger

	mu                sync.Mutex
	roundNumber       int
	currentType       RoundType
	phase             RoundPhase
	startedAt         time.Time
	deadline          time.Time
	adversarialCycles int
	consensusReached  bool
	summaries         []*RoundSummary
}

// NewRoundManager creates a round manager. The bus is optional; with a nil
// bus round transitions are not announced.
func NewRoundManager(config RoundConfig, history *comms.ConversationHistory, bus *comms.MessageBus, detector *ConsensusDetector, logger *logrus.Logger) *RoundManager {
	if config.MaxAdversarialRounds <= 0 {
		config.MaxAdversarialRounds = DefaultRoundConfig().MaxAdversarialRounds
	}
	if config.ConsensusThreshold <= 0 {
		config.ConsensusThreshold = DefaultRoundConfig().ConsensusThreshold
	}
	if logger == nil {
		logger = logrus.New()
	}
	if detector == nil {
		detector = NewConsensusDetector(DefaultConsensusConfig())
	}
	return &RoundManager{
		config:   config,
		history:  history,
		bus:      bus,
		detector: detector,
		logger:   logger,
		phase:    PhasePending,
	}
}

// StartRound begins a new round of the given type. Returns the round number,
// or ErrRoundActive if a round is already in progress.
func (rm *RoundManager) StartRound(ctx context.Context, roundType RoundType) (int, error) {
	rm.mu.Lock()
	if rm.phase == PhaseActive {
		rm.mu.Unlock()
		return 0, ErrRoundActive
	}
	rm.roundNumber++
	rm.currentType = roundType
	rm.phase = PhaseActive
	rm.startedAt = time.Now()
	rm.deadline = rm.startedAt.Add(rm.config.MaxDuration)
	number := rm.roundNumber
	rm.mu.Unlock()

	rm.history.StartRound(number, string(roundType))

	rm.logger.WithFields(logrus.Fields{
		"round": number,
		"type":  roundType,
	}).Info("round started")

	rm.announce(ctx, comms.MessageRoundStart, number, string(roundType))
	return number, nil
}

// EndRound finalizes the active round and builds its summary. For
// blue-defense rounds with checkConsensus set, the consensus check runs and
// its outcome (once reached) is sticky for the rest of the session.
func (rm *RoundManager) EndRound(ctx context.Context, checkConsensus bool) (*RoundSummary, error) {
	rm.mu.Lock()
	if rm.phase != PhaseActive {
		rm.mu.Unlock()
		return nil, ErrNoActiveRound
	}
	number := rm.roundNumber
	roundType := rm.currentType
	startedAt := rm.startedAt
	rm.phase = PhaseComplete
	rm.mu.Unlock()

	record := rm.history.EndRound(number)
	summary := rm.buildSummary(number, roundType, PhaseComplete, startedAt, record)

	if roundType == RoundBlueDefense {
		rm.mu.Lock()
		rm.adversarialCycles++
		rm.mu.Unlock()
		if checkConsensus {
			rm.checkConsensus(summary)
		}
	}

	rm.mu.Lock()
	summary.ConsensusReached = rm.consensusReached
	rm.summaries = append(rm.summaries, summary)
	rm.mu.Unlock()

	rm.logger.WithFields(logrus.Fields{
		"round":           number,
		"type":            roundType,
		"resolution_rate": summary.ResolutionRate,
		"consensus":       summary.ConsensusReached,
	}).Info("round ended")

	rm.announce(ctx, comms.MessageRoundEnd, number, string(roundType))
	return summary, nil
}

// AbortRound force-ends the active round without consensus checking. The
// summary is still recorded so partial progress survives error recovery.
func (rm *RoundManager) AbortRound(ctx context.Context, reason string) (*RoundSummary, error) {
	rm.mu.Lock()
	if rm.phase != PhaseActive {
		rm.mu.Unlock()
		return nil, ErrNoActiveRound
	}
	number := rm.roundNumber
	roundType := rm.currentType
	startedAt := rm.startedAt
	rm.phase = PhaseAborted
	rm.mu.Unlock()

	record := rm.history.EndRound(number)
	summary := rm.buildSummary(number, roundType, PhaseAborted, startedAt, record)
	summary.AbortReason = reason

	rm.mu.Lock()
	summary.ConsensusReached = rm.consensusReached
	rm.summaries = append(rm.summaries, summary)
	rm.mu.Unlock()

	rm.logger.WithFields(logrus.Fields{
		"round":  number,
		"type":   roundType,
		"reason": reason,
	}).Warn("round aborted")

	rm.announce(ctx, comms.MessageRoundEnd, number, string(roundType))
	return summary, nil
}

// buildSummary projects the round record's traffic counters and the
// cumulative exchange state into an immutable summary. Resolution metrics
// span ALL exchanges recorded so far, not just this round's: critiques are
// raised in red-attack rounds but answered in the following blue-defense
// round, so a per-round view would never see a resolution.
func (rm *RoundManager) buildSummary(number int, roundType RoundType, phase RoundPhase, startedAt time.Time, record *comms.RoundRecord) *RoundSummary {
	summary := &RoundSummary{
		RoundNumber:       number,
		RoundType:         roundType,
		Phase:             phase,
		DurationSeconds:   time.Since(startedAt).Seconds(),
		SeverityCounts:    make(map[string]int),
		DispositionCounts: make(map[string]int),
		ResolutionRate:    100.0,
	}
	if record != nil {
		summary.MessageCount = record.MessageCount
		summary.CritiqueCount = record.CritiqueCount
		summary.ResponseCount = record.ResponseCount
		summary.Sections = append([]string(nil), record.Sections...)
		for sev, n := range record.SeverityCount {
			summary.SeverityCounts[sev] = n
		}
		for disp, n := range record.Dispositions {
			summary.DispositionCounts[disp] = n
		}
	}

	exchanges := rm.history.GetExchanges(comms.ExchangeQuery{})
	resolved := 0
	for _, ex := range exchanges {
		if ex.Resolved {
			resolved++
		} else if Severity(ex.Severity) == SeverityCritical {
			summary.CriticalUnresolved++
		}
	}
	if len(exchanges) > 0 {
		summary.ResolutionRate = float64(resolved) / float64(len(exchanges)) * 100.0
	}
	summary.HasBlockingIssues = summary.CriticalUnresolved > 0
	return summary
}

// checkConsensus applies the consensus rule to a blue-defense summary:
// reached iff the resolution rate meets the threshold and nothing blocks.
// Once reached the flag never resets. The detector supplies the weighted
// confidence reported alongside the decision.
func (rm *RoundManager) checkConsensus(summary *RoundSummary) {
	critiques, responses := exchangesToDebate(rm.history.GetExchanges(comms.ExchangeQuery{}))
	result := rm.detector.Check(critiques, responses)
	summary.ConsensusConfidence = result.Confidence

	reached := summary.ResolutionRate >= rm.config.ConsensusThreshold*100.0 &&
		!summary.HasBlockingIssues

	rm.mu.Lock()
	if reached {
		rm.consensusReached = true
	}
	rm.mu.Unlock()
}

// exchangesToDebate reconstructs typed critiques and responses from exchange
// records so the detector can score them.
func exchangesToDebate(exchanges []*comms.ExchangeRecord) ([]Critique, []Response) {
	critiques := make([]Critique, 0, len(exchanges))
	var responses []Response
	for _, ex := range exchanges {
		critiques = append(critiques, Critique{
			ID:            ex.CritiqueMessageID,
			TargetSection: ex.TargetSection,
			ChallengeType: ex.ChallengeType,
			Severity:      ParseSeverity(ex.Severity),
			Title:         ex.CritiqueSummary,
			AgentRole:     ex.CritiqueAgent,
		})
		if ex.Resolved {
			responses = append(responses, Response{
				CritiqueID:  ex.CritiqueMessageID,
				Disposition: ParseDisposition(ex.Disposition),
				Summary:     ex.ResponseSummary,
				AgentRole:   ex.ResponseAgent,
			})
		}
	}
	return critiques, responses
}

// NextRoundType encodes the transition table. Returns false when the debate
// is over (synthesis is terminal).
func (rm *RoundManager) NextRoundType() (RoundType, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.currentType == RoundSynthesis {
		return "", false
	}
	if rm.consensusReached {
		return RoundSynthesis, true
	}

	switch rm.currentType {
	case "":
		return RoundBlueBuild, true
	case RoundBlueBuild:
		return RoundRedAttack, true
	case RoundRedAttack:
		return RoundBlueDefense, true
	case RoundBlueDefense:
		if rm.adversarialCycles >= rm.config.MaxAdversarialRounds {
			return RoundSynthesis, true
		}
		if last := rm.lastSummaryLocked(); last != nil &&
			last.ResolutionRate >= rm.config.ConsensusThreshold*100.0 &&
			!last.HasBlockingIssues {
			return RoundSynthesis, true
		}
		return RoundRedAttack, true
	default:
		return "", false
	}
}

// ShouldContinue reports whether another round remains to run.
func (rm *RoundManager) ShouldContinue() bool {
	_, ok := rm.NextRoundType()
	return ok
}

// IsRoundExpired reports whether the active round has exceeded its deadline.
// The manager never aborts on expiry itself; enforcement is left to the
// caller.
func (rm *RoundManager) IsRoundExpired() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.phase == PhaseActive && time.Now().After(rm.deadline)
}

// ConsensusReached reports the sticky consensus flag.
func (rm *RoundManager) ConsensusReached() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.consensusReached
}

// CurrentRound returns the active round number and type, or ok=false when no
// round is active.
func (rm *RoundManager) CurrentRound() (int, RoundType, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.roundNumber, rm.currentType, rm.phase == PhaseActive
}

// AdversarialCycles returns the number of completed blue-defense rounds.
func (rm *RoundManager) AdversarialCycles() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.adversarialCycles
}

// LastSummary returns the most recent round summary, or nil.
func (rm *RoundManager) LastSummary() *RoundSummary {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.lastSummaryLocked()
}

func (rm *RoundManager) lastSummaryLocked() *RoundSummary {
	if len(rm.summaries) == 0 {
		return nil
	}
	return rm.summaries[len(rm.summaries)-1]
}

// Summaries returns copies of all recorded round summaries in order.
func (rm *RoundManager) Summaries() []*RoundSummary {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*RoundSummary, len(rm.summaries))
	copy(out, rm.summaries)
	return out
}

// announce publishes a round transition to the bus when configured.
func (rm *RoundManager) announce(ctx context.Context, msgType comms.MessageType, round int, roundType string) {
	if rm.bus == nil || !rm.config.PublishEvents {
		return
	}
	msg := comms.NewMessage(msgType, "round_manager",
		fmt.Sprintf("round %d (%s)", round, roundType),
		comms.WithBroadcast(),
		comms.WithRound(round),
		comms.WithData("round_type", roundType),
		comms.WithPriority(comms.PriorityHigh),
	)
	if err := rm.bus.Publish(ctx, msg); err != nil {
		rm.logger.WithError(err).Warn("failed to announce round transition")
	}
}
