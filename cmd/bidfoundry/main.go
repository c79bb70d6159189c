// Command bidfoundry runs a scripted adversarial debate end to end and
// prints the resulting report. It exists to exercise the full engine wiring;
// real deployments plug LLM-backed agents into the registry instead of the
// scripted ones here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/arbiter"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/config"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/debate"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/registry"
)

const defaultConfig = `
document:
  type: strategy
  required_sections:
    - executive_summary
    - approach
    - risk_assessment
rounds:
  max_adversarial_rounds: 3
  consensus_threshold: 0.8
consensus:
  threshold: 0.8
log_level: info
`

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	// Optional .env bootstrap; absence is not an error.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("loading configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		logger.WithError(err).Fatal("creating bus logger")
	}
	defer func() { _ = zapLogger.Sync() }()

	bus := comms.NewMessageBus(cfg.BusConfig(), zapLogger)
	defer bus.Stop()

	history := comms.NewConversationHistory()
	detector := debate.NewConsensusDetector(cfg.ConsensusConfig())
	rounds := debate.NewRoundManager(cfg.RoundConfig(), history, bus, detector, logger)
	scorer := arbiter.NewConfidenceScorer(cfg.Confidence)

	reg := registry.New()
	for _, agent := range demoAgents(cfg.Template()) {
		if err := reg.Register(agent); err != nil {
			logger.WithError(err).Fatal("registering agent")
		}
	}

	arb := arbiter.New(reg, bus, history, rounds, detector, scorer, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := arb.Run(ctx, cfg.Template())
	if err != nil {
		logger.WithError(err).Fatal("debate run failed")
	}

	bus.WaitForQueueEmpty(5 * time.Second)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.WithError(err).Fatal("encoding report")
	}
	fmt.Println(string(out))

	if report.RequiresHumanReview {
		logger.WithField("reasons", report.ReviewReasons).
			Warn("document routed to human review")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromString(defaultConfig)
	}
	return config.Load(path)
}

// demoAgents returns a scripted blue/red pair: the drafter writes every
// required section, the challenger raises one major critique per section on
// its first pass, and the drafter accepts whatever is pending on defense.
func demoAgents(template arbiter.DocumentTemplate) []registry.Agent {
	drafter := &scriptedAgent{
		role:     "strategist",
		category: registry.CategoryBlueTeam,
		process: func(_ context.Context, turn *registry.TurnContext) (*registry.AgentOutput, error) {
			out := &registry.AgentOutput{}
			switch turn.RoundType {
			case string(debate.RoundBlueBuild):
				out.Sections = make(map[string]string, len(template.RequiredSections))
				for _, name := range template.RequiredSections {
					out.Sections[name] = fmt.Sprintf("Draft content for %s.", name)
				}
			case string(debate.RoundBlueDefense):
				for _, c := range turn.Critiques {
					out.Responses = append(out.Responses, map[string]interface{}{
						"critique_id": c.ID,
						"disposition": string(debate.DispositionAccept),
						"summary":     fmt.Sprintf("Revised %s to address %q.", c.TargetSection, c.Title),
					})
				}
			}
			return out, nil
		},
	}

	attacked := false
	challenger := &scriptedAgent{
		role:     "challenger",
		category: registry.CategoryRedTeam,
		process: func(_ context.Context, turn *registry.TurnContext) (*registry.AgentOutput, error) {
			out := &registry.AgentOutput{}
			if turn.RoundType != string(debate.RoundRedAttack) || attacked {
				return out, nil
			}
			attacked = true
			for name := range turn.Sections {
				out.Critiques = append(out.Critiques, map[string]interface{}{
					"target_section": name,
					"severity":       string(debate.SeverityMajor),
					"challenge_type": "completeness",
					"title":          fmt.Sprintf("%s lacks supporting evidence", name),
					"argument":       "The section asserts outcomes without citing any basis.",
				})
			}
			return out, nil
		},
	}

	return []registry.Agent{drafter, challenger}
}

type scriptedAgent struct {
	role     string
	category string
	process  func(ctx context.Context, turn *registry.TurnContext) (*registry.AgentOutput, error)
}

func (s *scriptedAgent) Role() string     { return s.role }
func (s *scriptedAgent) Category() string { return s.category }

func (s *scriptedAgent) Process(ctx context.Context, turn *registry.TurnContext) (*registry.AgentOutput, error) {
	return s.process(ctx, turn)
}
