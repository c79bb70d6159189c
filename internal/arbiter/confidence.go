// Package arbiter drives the adversarial debate workflow end to end and
// scores the resulting document. Its confidence model is deliberately
// separate from the consensus detector: the detector is a coarse gate on
// whether the debate may proceed, while the confidence score is the
// fine-grained publish/escalate diagnostic for the finished document.
package arbiter

import (
	"fmt"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/debate"
)

// RiskFlag marks a structural risk discovered while scoring.
type RiskFlag string

const (
	RiskUnresolvedCriticalCritique RiskFlag = "unresolved_critical_critique"
	RiskMissingRequiredSection     RiskFlag = "missing_required_section"
)

// ConfidenceThresholds holds the penalty and bonus magnitudes of the scoring
// model plus the human-review gate.
type ConfidenceThresholds struct {
	// BaseSectionScore is the per-section starting score.
	BaseSectionScore float64 `json:"base_section_score" yaml:"base_section_score"`
	// Fixed penalties applied per unresolved critique, by severity.
	CriticalPenalty float64 `json:"critical_penalty" yaml:"critical_penalty"`
	MajorPenalty    float64 `json:"major_penalty" yaml:"major_penalty"`
	MinorPenalty    float64 `json:"minor_penalty" yaml:"minor_penalty"`
	// Bonuses applied per resolved critique, by resolving disposition.
	AcceptedResolutionBonus float64 `json:"accepted_resolution_bonus" yaml:"accepted_resolution_bonus"`
	RebuttedResolutionBonus float64 `json:"rebutted_resolution_bonus" yaml:"rebutted_resolution_bonus"`
	// MissingSectionPenalty is the fraction of the overall score deducted per
	// missing required section.
	MissingSectionPenalty float64 `json:"missing_section_penalty" yaml:"missing_section_penalty"`
	// HumanReviewThreshold is the overall score below which the caller
	// escalates to human review.
	HumanReviewThreshold float64 `json:"human_review_threshold" yaml:"human_review_threshold"`
}

// DefaultConfidenceThresholds returns the standard scoring model.
func DefaultConfidenceThresholds() ConfidenceThresholds {
	return ConfidenceThresholds{
		BaseSectionScore:        0.85,
		CriticalPenalty:         0.25,
		MajorPenalty:            0.15,
		MinorPenalty:            0.05,
		AcceptedResolutionBonus: 0.05,
		RebuttedResolutionBonus: 0.03,
		MissingSectionPenalty:   0.15,
		HumanReviewThreshold:    0.6,
	}
}

// SectionConfidence is the per-section score with its adjustments.
type SectionConfidence struct {
	Name            string     `json:"name"`
	Score           float64    `json:"score"`
	CritiqueCount   int        `json:"critique_count"`
	UnresolvedCount int        `json:"unresolved_count"`
	Penalties       float64    `json:"penalties"`
	Bonuses         float64    `json:"bonuses"`
	RiskFlags       []RiskFlag `json:"risk_flags,omitempty"`
}

// ConfidenceScore is the document-level score. Field names and values are
// part of the serialization contract with the UI layer.
type ConfidenceScore struct {
	OverallScore        float64                       `json:"overall_score"`
	Sections            map[string]*SectionConfidence `json:"sections"`
	MissingSections     []string                      `json:"missing_sections,omitempty"`
	RequiresHumanReview bool                          `json:"requires_human_review"`
	ReviewReasons       []string                      `json:"review_reasons,omitempty"`
}

// ConfidenceScorer computes document confidence from the accumulated debate.
type ConfidenceScorer struct {
	thresholds ConfidenceThresholds
}

// NewConfidenceScorer creates a scorer; zero-valued threshold fields fall
// back to the defaults.
func NewConfidenceScorer(thresholds ConfidenceThresholds) *ConfidenceScorer {
	defaults := DefaultConfidenceThresholds()
	if thresholds.BaseSectionScore <= 0 {
		thresholds.BaseSectionScore = defaults.BaseSectionScore
	}
	if thresholds.CriticalPenalty <= 0 {
		thresholds.CriticalPenalty = defaults.CriticalPenalty
	}
	if thresholds.MajorPenalty <= 0 {
		thresholds.MajorPenalty = defaults.MajorPenalty
	}
	if thresholds.MinorPenalty <= 0 {
		thresholds.MinorPenalty = defaults.MinorPenalty
	}
	if thresholds.AcceptedResolutionBonus <= 0 {
		thresholds.AcceptedResolutionBonus = defaults.AcceptedResolutionBonus
	}
	if thresholds.RebuttedResolutionBonus <= 0 {
		thresholds.RebuttedResolutionBonus = defaults.RebuttedResolutionBonus
	}
	if thresholds.MissingSectionPenalty <= 0 {
		thresholds.MissingSectionPenalty = defaults.MissingSectionPenalty
	}
	if thresholds.HumanReviewThreshold <= 0 {
		thresholds.HumanReviewThreshold = defaults.HumanReviewThreshold
	}
	return &ConfidenceScorer{thresholds: thresholds}
}

// Score computes per-section and overall confidence. Each drafted section
// starts at the base score; unresolved critiques subtract a fixed penalty by
// severity (criticals also raise a risk flag) and resolved critiques add a
// disposition bonus. Missing required sections deduct a fraction of the
// overall score each and force human review, one review reason per missing
// section. The final score is floor-clamped at zero.
func (s *ConfidenceScorer) Score(drafted map[string]string, requiredSections []string, critiques []debate.Critique, responses []debate.Response) *ConfidenceScore {
	score := &ConfidenceScore{
		Sections: make(map[string]*SectionConfidence),
	}

	responseByCritique := make(map[string]debate.Response, len(responses))
	for _, r := range responses {
		responseByCritique[r.CritiqueID] = r
	}

	for name := range drafted {
		score.Sections[name] = &SectionConfidence{
			Name:  name,
			Score: s.thresholds.BaseSectionScore,
		}
	}

	for _, c := range critiques {
		section, ok := score.Sections[c.TargetSection]
		if !ok {
			// Critique against an undrafted section; nothing to adjust.
			continue
		}
		section.CritiqueCount++

		resp, resolved := responseByCritique[c.ID]
		if !resolved {
			section.UnresolvedCount++
			penalty := s.penaltyFor(c.Severity)
			section.Penalties += penalty
			section.Score -= penalty
			if c.Severity == debate.SeverityCritical {
				section.RiskFlags = append(section.RiskFlags, RiskUnresolvedCriticalCritique)
			}
			continue
		}

		var bonus float64
		switch resp.Disposition {
		case debate.DispositionAccept:
			bonus = s.thresholds.AcceptedResolutionBonus
		case debate.DispositionRebut:
			bonus = s.thresholds.RebuttedResolutionBonus
		}
		section.Bonuses += bonus
		section.Score += bonus
	}

	var total float64
	for _, section := range score.Sections {
		if section.Score < 0 {
			section.Score = 0
		}
		total += section.Score
	}
	if len(score.Sections) > 0 {
		score.OverallScore = total / float64(len(score.Sections))
	}

	for _, required := range requiredSections {
		if _, ok := drafted[required]; ok {
			continue
		}
		score.MissingSections = append(score.MissingSections, required)
		score.ReviewReasons = append(score.ReviewReasons,
			fmt.Sprintf("required section %q was not drafted", required))
	}
	if n := len(score.MissingSections); n > 0 {
		score.RequiresHumanReview = true
		score.OverallScore -= score.OverallScore * s.thresholds.MissingSectionPenalty * float64(n)
	}
	if score.OverallScore < 0 {
		score.OverallScore = 0
	}
	return score
}

// penaltyFor maps a severity to its fixed unresolved-critique penalty.
func (s *ConfidenceScorer) penaltyFor(severity debate.Severity) float64 {
	switch severity {
	case debate.SeverityCritical:
		return s.thresholds.CriticalPenalty
	case debate.SeverityMajor:
		return s.thresholds.MajorPenalty
	case debate.SeverityMinor:
		return s.thresholds.MinorPenalty
	default:
		return 0
	}
}

// ReviewThreshold returns the configured human-review gate.
func (s *ConfidenceScorer) ReviewThreshold() float64 {
	return s.thresholds.HumanReviewThreshold
}
