package comms

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange outcome values, mapped from the responding disposition.
const (
	OutcomeAccepted     = "accepted"
	OutcomeRebutted     = "rebutted"
	OutcomeAcknowledged = "acknowledged"
)

// ExchangeRecord is a critique/response pair derived from the message stream.
// It is created when a critique message is recorded and resolved (once) when
// a response referencing the critique via ParentID arrives. The resolution
// transition is one-way; records are never deleted within a session.
type ExchangeRecord struct {
	ID                string `json:"id"`
	RoundNumber       int    `json:"round_number"`
	CritiqueMessageID string `json:"critique_message_id"`
	CritiqueAgent     string `json:"critique_agent"`
	Severity          string `json:"severity"`
	ChallengeType     string `json:"challenge_type"`
	TargetSection     string `json:"target_section"`
	CritiqueSummary   string `json:"critique_summary"`

	ResponseMessageID string `json:"response_message_id,omitempty"`
	ResponseAgent     string `json:"response_agent,omitempty"`
	Disposition       string `json:"disposition,omitempty"`
	ResponseSummary   string `json:"response_summary,omitempty"`
	Outcome           string `json:"outcome,omitempty"`
	Resolved          bool   `json:"resolved"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// RoundRecord aggregates the exchanges and traffic of one round. Created at
// round start and finalized when the round ends.
type RoundRecord struct {
	RoundNumber   int                 `json:"round_number"`
	RoundType     string              `json:"round_type"`
	StartedAt     time.Time           `json:"started_at"`
	EndedAt       *time.Time          `json:"ended_at,omitempty"`
	MessageCount  int                 `json:"message_count"`
	CritiqueCount int                 `json:"critique_count"`
	ResponseCount int                 `json:"response_count"`
	Exchanges     []*ExchangeRecord   `json:"exchanges"`
	Participants  map[string][]string `json:"participants"`
	SeverityCount map[string]int      `json:"severity_count"`
	Dispositions  map[string]int      `json:"dispositions"`
	Sections      []string            `json:"sections"`
}

func newRoundRecord(number int, roundType string) *RoundRecord {
	return &RoundRecord{
		RoundNumber:   number,
		RoundType:     roundType,
		StartedAt:     time.Now(),
		Participants:  make(map[string][]string),
		SeverityCount: make(map[string]int),
		Dispositions:  make(map[string]int),
	}
}

func (r *RoundRecord) addParticipant(category, role string) {
	for _, existing := range r.Participants[category] {
		if existing == role {
			return
		}
	}
	r.Participants[category] = append(r.Participants[category], role)
}

func (r *RoundRecord) addSection(name string) {
	if name == "" {
		return
	}
	for _, s := range r.Sections {
		if s == name {
			return
		}
	}
	r.Sections = append(r.Sections, name)
}

// AgentStats captures one agent's participation across the session.
type AgentStats struct {
	Role       string `json:"role"`
	Messages   int    `json:"messages"`
	Critiques  int    `json:"critiques"`
	Responses  int    `json:"responses"`
	RoundsSeen []int  `json:"rounds_seen"`
}

func (a *AgentStats) touchRound(round int) {
	for _, r := range a.RoundsSeen {
		if r == round {
			return
		}
	}
	a.RoundsSeen = append(a.RoundsSeen, round)
}

// HistorySummary is the global read projection over all recorded exchanges.
type HistorySummary struct {
	TotalMessages   int            `json:"total_messages"`
	TotalExchanges  int            `json:"total_exchanges"`
	ResolvedCount   int            `json:"resolved_count"`
	ResolutionRate  float64        `json:"resolution_rate"`
	OutcomeCounts   map[string]int `json:"outcome_counts"`
	RoundsRecorded  int            `json:"rounds_recorded"`
	ActiveRound     int            `json:"active_round"`
	ParticipantList []string       `json:"participants"`
}

// ConversationHistory derives structured exchange and round records from the
// message stream. RecordMessage is the single ingestion point.
type ConversationHistory struct {
	mu sync.Mutex

	rounds              map[int]*RoundRecord
	roundOrder          []int
	activeRound         int
	totalMsgs           int
	agents              map[string]*AgentStats
	bySection           map[string][]string // section -> message IDs
	exchangesByCritique map[string]*ExchangeRecord
}

// NewConversationHistory creates an empty history.
func NewConversationHistory() *ConversationHistory {
	return &ConversationHistory{
		rounds:              make(map[int]*RoundRecord),
		activeRound:         -1,
		agents:              make(map[string]*AgentStats),
		bySection:           make(map[string][]string),
		exchangesByCritique: make(map[string]*ExchangeRecord),
	}
}

// StartRound creates the record for a round and marks it active.
func (h *ConversationHistory) StartRound(roundNumber int, roundType string) *RoundRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.rounds[roundNumber]
	if !ok {
		rec = newRoundRecord(roundNumber, roundType)
		h.rounds[roundNumber] = rec
		h.roundOrder = append(h.roundOrder, roundNumber)
	}
	h.activeRound = roundNumber
	return rec
}

// EndRound finalizes a round record. Ending a round that was never started is
// a no-op returning nil, not an error; callers must not assume it succeeds.
func (h *ConversationHistory) EndRound(roundNumber int) *RoundRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.rounds[roundNumber]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.EndedAt = &now
	if h.activeRound == roundNumber {
		h.activeRound = -1
	}
	return rec
}

// RecordMessage ingests one message: updates agent and section indices,
// increments the active round's counters, creates an exchange for critique
// messages, and resolves the matching exchange for response messages that
// carry a ParentID.
func (h *ConversationHistory) RecordMessage(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalMsgs++

	stats, ok := h.agents[msg.SenderRole]
	if !ok {
		stats = &AgentStats{Role: msg.SenderRole}
		h.agents[msg.SenderRole] = stats
	}
	stats.Messages++
	stats.touchRound(msg.RoundNumber)

	if section := msg.DataString("target_section", ""); section != "" {
		h.bySection[section] = append(h.bySection[section], msg.ID)
	}

	round := h.rounds[msg.RoundNumber]
	if round != nil {
		round.MessageCount++
		round.addParticipant(categoryFor(msg.Type), msg.SenderRole)
	}

	switch msg.Type {
	case MessageCritique:
		stats.Critiques++
		h.recordCritique(msg, round)
	case MessageResponse:
		stats.Responses++
		if msg.ParentID != "" {
			h.resolveExchange(msg, round)
		}
	}
}

// categoryFor buckets a sender by the side of the debate its message type
// belongs to.
func categoryFor(t MessageType) string {
	switch t {
	case MessageCritique, MessageCritiqueBatch:
		return "red_team"
	case MessageDraft, MessageRevision, MessageSectionUpdate, MessageResponse, MessageResponseBatch:
		return "blue_team"
	default:
		return "orchestration"
	}
}

func (h *ConversationHistory) recordCritique(msg *Message, round *RoundRecord) {
	ex := &ExchangeRecord{
		ID:                uuid.New().String(),
		RoundNumber:       msg.RoundNumber,
		CritiqueMessageID: msg.ID,
		CritiqueAgent:     msg.SenderRole,
		Severity:          msg.DataString("severity", "minor"),
		ChallengeType:     msg.DataString("challenge_type", "general"),
		TargetSection:     msg.DataString("target_section", ""),
		CritiqueSummary:   msg.Payload.Content,
		CreatedAt:         time.Now(),
	}
	h.exchangesByCritique[msg.ID] = ex

	if round != nil {
		round.CritiqueCount++
		round.Exchanges = append(round.Exchanges, ex)
		round.SeverityCount[ex.Severity]++
		round.addSection(ex.TargetSection)
	}
}

func (h *ConversationHistory) resolveExchange(msg *Message, round *RoundRecord) {
	ex, ok := h.exchangesByCritique[msg.ParentID]
	if !ok || ex.Resolved {
		return
	}

	disposition := msg.DataString("disposition", "Acknowledge")
	now := time.Now()
	ex.ResponseMessageID = msg.ID
	ex.ResponseAgent = msg.SenderRole
	ex.Disposition = disposition
	ex.ResponseSummary = msg.Payload.Content
	ex.Outcome = outcomeFor(disposition)
	ex.Resolved = true
	ex.ResolvedAt = &now

	if round != nil {
		round.ResponseCount++
		round.Dispositions[disposition]++
	}
}

func outcomeFor(disposition string) string {
	switch disposition {
	case "Accept", "Partial Accept":
		return OutcomeAccepted
	case "Rebut":
		return OutcomeRebutted
	default:
		return OutcomeAcknowledged
	}
}

// ExchangeQuery filters GetExchanges.
type ExchangeQuery struct {
	RoundNumber    *int
	ResolvedOnly   bool
	UnresolvedOnly bool
}

// GetExchanges returns exchange records matching the query, oldest first.
func (h *ConversationHistory) GetExchanges(q ExchangeQuery) []*ExchangeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*ExchangeRecord
	for _, n := range h.roundOrder {
		if q.RoundNumber != nil && n != *q.RoundNumber {
			continue
		}
		for _, ex := range h.rounds[n].Exchanges {
			if q.ResolvedOnly && !ex.Resolved {
				continue
			}
			if q.UnresolvedOnly && ex.Resolved {
				continue
			}
			out = append(out, ex)
		}
	}
	return out
}

// Round returns the record for a round, or nil.
func (h *ConversationHistory) Round(roundNumber int) *RoundRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rounds[roundNumber]
}

// AgentParticipation returns per-agent message, critique, and response counts
// plus the rounds each agent touched.
func (h *ConversationHistory) AgentParticipation() map[string]AgentStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]AgentStats, len(h.agents))
	for role, stats := range h.agents {
		cp := *stats
		cp.RoundsSeen = append([]int(nil), stats.RoundsSeen...)
		out[role] = cp
	}
	return out
}

// SectionActivity returns the IDs of messages that targeted a section.
func (h *ConversationHistory) SectionActivity(sectionName string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bySection[sectionName]...)
}

// Summary computes the global resolution rate and outcome histogram. With
// zero exchanges the resolution rate is 100%.
func (h *ConversationHistory) Summary() HistorySummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HistorySummary{
		TotalMessages:  h.totalMsgs,
		OutcomeCounts:  make(map[string]int),
		RoundsRecorded: len(h.rounds),
		ActiveRound:    h.activeRound,
	}
	for _, n := range h.roundOrder {
		for _, ex := range h.rounds[n].Exchanges {
			s.TotalExchanges++
			if ex.Resolved {
				s.ResolvedCount++
				s.OutcomeCounts[ex.Outcome]++
			}
		}
	}
	if s.TotalExchanges == 0 {
		s.ResolutionRate = 100.0
	} else {
		s.ResolutionRate = float64(s.ResolvedCount) / float64(s.TotalExchanges) * 100.0
	}
	for role := range h.agents {
		s.ParticipantList = append(s.ParticipantList, role)
	}
	sort.Strings(s.ParticipantList)
	return s
}

// historySnapshot is the serialized form of a ConversationHistory.
type historySnapshot struct {
	Rounds      []*RoundRecord         `json:"rounds"`
	ActiveRound int                    `json:"active_round"`
	TotalMsgs   int                    `json:"total_messages"`
	Agents      map[string]*AgentStats `json:"agents"`
	BySection   map[string][]string    `json:"by_section"`
}

// MarshalJSON serializes the full history.
func (h *ConversationHistory) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := historySnapshot{
		ActiveRound: h.activeRound,
		TotalMsgs:   h.totalMsgs,
		Agents:      h.agents,
		BySection:   h.bySection,
	}
	for _, n := range h.roundOrder {
		snap.Rounds = append(snap.Rounds, h.rounds[n])
	}
	return json.Marshal(snap)
}

// UnmarshalJSON reconstructs an equivalent history, rebuilding the
// exchange-to-critique index from each exchange's CritiqueMessageID.
func (h *ConversationHistory) UnmarshalJSON(data []byte) error {
	var snap historySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.rounds = make(map[int]*RoundRecord)
	h.roundOrder = nil
	h.activeRound = snap.ActiveRound
	h.totalMsgs = snap.TotalMsgs
	h.agents = snap.Agents
	if h.agents == nil {
		h.agents = make(map[string]*AgentStats)
	}
	h.bySection = snap.BySection
	if h.bySection == nil {
		h.bySection = make(map[string][]string)
	}
	h.exchangesByCritique = make(map[string]*ExchangeRecord)

	for _, rec := range snap.Rounds {
		h.rounds[rec.RoundNumber] = rec
		h.roundOrder = append(h.roundOrder, rec.RoundNumber)
		for _, ex := range rec.Exchanges {
			h.exchangesByCritique[ex.CritiqueMessageID] = ex
		}
	}
	return nil
}
