package debate

import (
	"fmt"
	"time"
)

// ConsensusStatus is the outcome state of a consensus check. The string
// values are part of the external serialization contract.
type ConsensusStatus string

const (
	ConsensusNotChecked ConsensusStatus = "NotChecked"
	ConsensusInProgress ConsensusStatus = "InProgress"
	ConsensusReached    ConsensusStatus = "Reached"
	ConsensusNotReached ConsensusStatus = "NotReached"
	ConsensusBlocked    ConsensusStatus = "Blocked"
)

// ConsensusConfig holds the weighting model and blocking thresholds for the
// detector.
type ConsensusConfig struct {
	// Threshold is the resolution rate (0-1) that gates Reached.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// BlockOnCritical makes every unresolved critical critique a blocking issue.
	BlockOnCritical bool `json:"block_on_critical" yaml:"block_on_critical"`
	// MaxUnresolvedMajor is the number of unresolved major critiques tolerated
	// before the debate blocks.
	MaxUnresolvedMajor int `json:"max_unresolved_major" yaml:"max_unresolved_major"`
	// SeverityWeights weight each critique in the confidence score.
	SeverityWeights map[Severity]float64 `json:"severity_weights" yaml:"severity_weights"`
	// DispositionScores weight how fully each disposition resolves a critique.
	DispositionScores map[Disposition]float64 `json:"disposition_scores" yaml:"disposition_scores"`
}

// DefaultConsensusConfig returns the standard weighting model.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		Threshold:          0.8,
		BlockOnCritical:    true,
		MaxUnresolvedMajor: 2,
		SeverityWeights: map[Severity]float64{
			SeverityCritical:    3.0,
			SeverityMajor:       2.0,
			SeverityMinor:       1.0,
			SeverityObservation: 0.5,
		},
		DispositionScores: map[Disposition]float64{
			DispositionAccept:        1.0,
			DispositionPartialAccept: 0.8,
			DispositionRebut:         0.7,
			DispositionAcknowledge:   0.5,
			DispositionDefer:         0.3,
		},
	}
}

// BlockingIssue describes why a debate cannot reach consensus.
type BlockingIssue struct {
	CritiqueID    string   `json:"critique_id"`
	Severity      Severity `json:"severity"`
	TargetSection string   `json:"target_section,omitempty"`
	Title         string   `json:"title,omitempty"`
	Reason        string   `json:"reason"`
}

// ConsensusResult is the stateless output of one consensus check. It is
// recomputed on every call; nothing persists across checks except by the
// caller.
type ConsensusResult struct {
	Status               ConsensusStatus  `json:"status"`
	Reached              bool             `json:"reached"`
	Confidence           float64          `json:"confidence"`
	TotalCritiques       int              `json:"total_critiques"`
	ResolvedCount        int              `json:"resolved_count"`
	ResolutionRate       float64          `json:"resolution_rate"`
	BlockingIssues       []BlockingIssue  `json:"blocking_issues,omitempty"`
	UnresolvedBySeverity map[Severity]int `json:"unresolved_by_severity"`
	DispositionCounts    map[Disposition]int `json:"disposition_counts"`
	CheckedAt            time.Time        `json:"checked_at"`
}

// ConsensusDetector computes severity-weighted resolution scores over a set
// of critiques and their responses. It is stateless: the same inputs always
// produce the same result.
type ConsensusDetector struct {
	config ConsensusConfig
}

// NewConsensusDetector creates a detector with the given weighting model.
// Zero-valued config fields fall back to the defaults.
func NewConsensusDetector(config ConsensusConfig) *ConsensusDetector {
	defaults := DefaultConsensusConfig()
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.MaxUnresolvedMajor <= 0 {
		config.MaxUnresolvedMajor = defaults.MaxUnresolvedMajor
	}
	if config.SeverityWeights == nil {
		config.SeverityWeights = defaults.SeverityWeights
	}
	if config.DispositionScores == nil {
		config.DispositionScores = defaults.DispositionScores
	}
	return &ConsensusDetector{config: config}
}

// Check scores the debate state. With zero critiques consensus is immediately
// reached at full confidence. Any blocking issue forces Blocked with
// confidence 0.0 regardless of the resolution rate.
//
// The reached decision uses the simple resolution rate against the threshold;
// the severity-weighted confidence is reported alongside it as a finer
// diagnostic but does not gate the boolean.
func (d *ConsensusDetector) Check(critiques []Critique, responses []Response) *ConsensusResult {
	result := &ConsensusResult{
		Status:               ConsensusInProgress,
		UnresolvedBySeverity: make(map[Severity]int),
		DispositionCounts:    make(map[Disposition]int),
		CheckedAt:            time.Now(),
	}

	if len(critiques) == 0 {
		result.Status = ConsensusReached
		result.Reached = true
		result.Confidence = 1.0
		result.ResolutionRate = 1.0
		return result
	}

	responseByCritique := make(map[string]Response, len(responses))
	for _, r := range responses {
		responseByCritique[r.CritiqueID] = r
	}

	result.TotalCritiques = len(critiques)

	var totalWeight, resolvedWeight float64
	for _, c := range critiques {
		weight := d.config.SeverityWeights[c.Severity]
		totalWeight += weight

		resp, resolved := responseByCritique[c.ID]
		if resolved {
			result.ResolvedCount++
			result.DispositionCounts[resp.Disposition]++
			resolvedWeight += weight * d.config.DispositionScores[resp.Disposition]
			continue
		}

		result.UnresolvedBySeverity[c.Severity]++
		if c.Severity == SeverityCritical && d.config.BlockOnCritical {
			result.BlockingIssues = append(result.BlockingIssues, BlockingIssue{
				CritiqueID:    c.ID,
				Severity:      c.Severity,
				TargetSection: c.TargetSection,
				Title:         c.Title,
				Reason:        "unresolved critical critique",
			})
		}
	}

	if major := result.UnresolvedBySeverity[SeverityMajor]; major > d.config.MaxUnresolvedMajor {
		result.BlockingIssues = append(result.BlockingIssues, BlockingIssue{
			Severity: SeverityMajor,
			Reason: fmt.Sprintf("%d unresolved major critiques exceed limit of %d",
				major, d.config.MaxUnresolvedMajor),
		})
	}

	result.ResolutionRate = float64(result.ResolvedCount) / float64(result.TotalCritiques)

	if len(result.BlockingIssues) > 0 {
		result.Status = ConsensusBlocked
		result.Reached = false
		result.Confidence = 0.0
		return result
	}

	if totalWeight > 0 {
		result.Confidence = resolvedWeight / totalWeight
	} else {
		result.Confidence = 1.0
	}

	if result.ResolutionRate >= d.config.Threshold {
		result.Status = ConsensusReached
		result.Reached = true
	} else {
		result.Status = ConsensusNotReached
	}
	return result
}

// Threshold returns the configured resolution-rate threshold.
func (d *ConsensusDetector) Threshold() float64 {
	return d.config.Threshold
}

// ConvergenceTrend classifies how a sequence of consensus checks is moving.
type ConvergenceTrend string

const (
	TrendImproving ConvergenceTrend = "improving"
	TrendDeclining ConvergenceTrend = "declining"
	TrendStable    ConvergenceTrend = "stable"
)

// ConvergenceAnalysis summarizes the direction of a debate over rounds.
type ConvergenceAnalysis struct {
	Trend        ConvergenceTrend `json:"trend"`
	Improvements int              `json:"improvements"`
	Declines     int              `json:"declines"`
	Latest       float64          `json:"latest_confidence"`
}

// AnalyzeConvergence classifies the trend over a sequence of results by
// counting pairwise confidence improvements against declines. Diagnostic
// only: flow control never consults it.
func (d *ConsensusDetector) AnalyzeConvergence(results []*ConsensusResult) ConvergenceAnalysis {
	analysis := ConvergenceAnalysis{Trend: TrendStable}
	if len(results) == 0 {
		return analysis
	}
	analysis.Latest = results[len(results)-1].Confidence

	for i := 1; i < len(results); i++ {
		switch {
		case results[i].Confidence > results[i-1].Confidence:
			analysis.Improvements++
		case results[i].Confidence < results[i-1].Confidence:
			analysis.Declines++
		}
	}
	switch {
	case analysis.Improvements > analysis.Declines:
		analysis.Trend = TrendImproving
	case analysis.Declines > analysis.Improvements:
		analysis.Trend = TrendDeclining
	}
	return analysis
}

// Next-action suggestions produced by SuggestNextAction.
const (
	ActionProceedToSynthesis    = "proceed_to_synthesis"
	ActionAddressBlockingIssues = "address_blocking_issues"
	ActionContinueDebate        = "continue_debate"
	ActionTargetedResolution    = "targeted_resolution"
)

// SuggestNextAction maps a result to a decision-support hint for the caller.
// The round manager does not consume this; the arbiter and UI do.
func (d *ConsensusDetector) SuggestNextAction(result *ConsensusResult) string {
	switch {
	case result.Reached:
		return ActionProceedToSynthesis
	case len(result.BlockingIssues) > 0:
		return ActionAddressBlockingIssues
	case result.ResolutionRate < 0.5:
		return ActionContinueDebate
	default:
		return ActionTargetedResolution
	}
}
