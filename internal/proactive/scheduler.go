// Package proactive implements the proactive scheduler: cron-driven
// sweeps across paired users that gather risk signals from the backend
// and push personalized digests through the transport adapters.
package proactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/metrics"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

// Severity mirrors the backend's sprint-risk severity levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskSignal is one sprint risk signal returned by the backend.
type RiskSignal struct {
	Title    string
	Severity Severity
}

// StaleProject is a project whose last update is older than the staleness
// window.
type StaleProject struct {
	Name        string
	LastUpdated time.Time
}

// AtRiskGoal is a goal nearing its deadline with insufficient progress.
type AtRiskGoal struct {
	Name          string
	DaysRemaining int
	Progress      int
}

// Backend is the external productivity-platform collaborator this
// scheduler calls into. Out of scope for this repository; only the
// narrow interface the scheduler consumes is modeled here.
type Backend interface {
	StaleProjects(ctx context.Context, userID, authToken string) ([]StaleProject, error)
	MorningBriefing(ctx context.Context, userID, authToken string) (overdueActions []string, err error)
	AtRiskGoals(ctx context.Context, userID, authToken string) ([]AtRiskGoal, error)
	SprintRiskSignals(ctx context.Context, userID, authToken string) ([]RiskSignal, error)
}

// Delivery is the outbound half of the transport adapters this scheduler
// pushes digests through.
type Delivery interface {
	SendTelegramDigest(ctx context.Context, chatID int64, text string) error
	SendWhatsAppDigest(ctx context.Context, sessionID, text string) error
	WhatsAppConnected(sessionID string) bool
}

// ProactiveCheckResult is the combined per-user outcome of the four
// independent checks.
type ProactiveCheckResult struct {
	UserID         string
	StaleProjects  []StaleProject
	OverdueActions []string
	AtRiskGoals    []AtRiskGoal
	SprintRisks    []RiskSignal // filtered to high+critical
	HasIssues      bool
	CheckErrors    map[string]error
}

// Scheduler owns the two cron-driven sweeps.
type Scheduler struct {
	cron     *cron.Cron
	backend  Backend
	delivery Delivery
	mappings *sessionstore.MappingManifest
	sessions *sessionstore.SessionManifest
	audit    *AuditLog
	metrics  *metrics.Collector
	log      *logger.Logger

	mu      sync.Mutex
	running bool
}

// Config configures New.
type Config struct {
	MorningCron string
	EveningCron string
	Location    *time.Location
}

// New constructs a Scheduler; call Start to begin ticking.
func New(cfg Config, backend Backend, delivery Delivery, mappings *sessionstore.MappingManifest, sessions *sessionstore.SessionManifest, audit *AuditLog, collector *metrics.Collector, log *logger.Logger) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))

	s := &Scheduler{
		cron:     c,
		backend:  backend,
		delivery: delivery,
		mappings: mappings,
		sessions: sessions,
		audit:    audit,
		metrics:  collector,
		log:      log,
	}

	if _, err := c.AddFunc(cfg.MorningCron, func() { s.runSweep(context.Background(), "morning", true) }); err != nil {
		return nil, fmt.Errorf("proactive: invalid morning cron: %w", err)
	}
	if _, err := c.AddFunc(cfg.EveningCron, func() { s.runSweep(context.Background(), "evening", false) }); err != nil {
		return nil, fmt.Errorf("proactive: invalid evening cron: %w", err)
	}

	return s, nil
}

// Start begins the cron loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop cancels the cron loop, waiting for any in-flight job to finish, per
// the gateway's graceful shutdown ordering.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// RunSweepNow runs one sweep synchronously, exported for tests and for an
// operator-triggered manual run.
func (s *Scheduler) RunSweepNow(ctx context.Context, schedule string, isMorning bool) []ProactiveCheckResult {
	return s.runSweep(ctx, schedule, isMorning)
}

func (s *Scheduler) runSweep(ctx context.Context, schedule string, isMorning bool) []ProactiveCheckResult {
	mappings := s.mappings.List()
	results := make([]ProactiveCheckResult, 0, len(mappings))

	for _, mapping := range mappings {
		if mapping.NeedsRepairing {
			s.log.Warn("proactive: skipping user %s, token needs re-pairing", mapping.UserID)
			continue
		}
		token, err := s.mappings.DecryptToken(mapping.TelegramChatID)
		if err != nil {
			s.log.Error("proactive: decrypt token for user %s: %v", mapping.UserID, err)
			continue
		}

		result := s.checkUser(ctx, mapping.UserID, token)
		results = append(results, result)

		if result.HasIssues {
			digest := formatDigest(result)
			if err := s.delivery.SendTelegramDigest(ctx, mapping.TelegramChatID, digest); err != nil {
				s.log.Error("proactive: deliver telegram digest to %s: %v", mapping.UserID, err)
				s.recordOutcome(schedule, mapping.UserID, OutcomeFailed, result, err)
			} else {
				s.recordOutcome(schedule, mapping.UserID, OutcomeSent, result, nil)
			}
		} else {
			s.recordOutcome(schedule, mapping.UserID, OutcomeSkipped, result, nil)
		}

		if isMorning {
			s.deliverWhatsAppBriefing(ctx, mapping.UserID, digestForWhatsApp(result))
		}
	}

	return results
}

// checkUser runs the four independent checks concurrently; a failure in
// any one does not abort the others.
func (s *Scheduler) checkUser(ctx context.Context, userID, token string) ProactiveCheckResult {
	result := ProactiveCheckResult{UserID: userID, CheckErrors: make(map[string]error)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(4)

	go func() {
		defer wg.Done()
		projects, err := s.backend.StaleProjects(ctx, userID, token)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.CheckErrors["stale_projects"] = err
			s.log.Error("proactive: stale projects check failed for %s: %v", userID, err)
			return
		}
		result.StaleProjects = projects
	}()

	go func() {
		defer wg.Done()
		actions, err := s.backend.MorningBriefing(ctx, userID, token)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.CheckErrors["overdue_actions"] = err
			s.log.Error("proactive: overdue actions check failed for %s: %v", userID, err)
			return
		}
		result.OverdueActions = actions
	}()

	go func() {
		defer wg.Done()
		goals, err := s.backend.AtRiskGoals(ctx, userID, token)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.CheckErrors["at_risk_goals"] = err
			s.log.Error("proactive: at-risk goals check failed for %s: %v", userID, err)
			return
		}
		var filtered []AtRiskGoal
		for _, g := range goals {
			if g.DaysRemaining > 0 && g.DaysRemaining <= 14 && g.Progress < 50 {
				filtered = append(filtered, g)
			}
		}
		result.AtRiskGoals = filtered
	}()

	go func() {
		defer wg.Done()
		signals, err := s.backend.SprintRiskSignals(ctx, userID, token)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.CheckErrors["sprint_risk"] = err
			s.log.Error("proactive: sprint risk check failed for %s: %v", userID, err)
			return
		}
		var filtered []RiskSignal
		for _, sig := range signals {
			if sig.Severity == SeverityHigh || sig.Severity == SeverityCritical {
				filtered = append(filtered, sig)
			}
		}
		result.SprintRisks = filtered
	}()

	wg.Wait()

	result.HasIssues = len(result.StaleProjects) > 0 ||
		len(result.OverdueActions) > 0 ||
		len(result.AtRiskGoals) > 0 ||
		len(result.SprintRisks) > 0

	return result
}

func (s *Scheduler) deliverWhatsAppBriefing(ctx context.Context, userID, text string) {
	if text == "" {
		return
	}
	sess, ok := s.sessions.GetByUserID(userID)
	if !ok || !s.delivery.WhatsAppConnected(sess.SessionID) {
		return
	}
	if err := s.delivery.SendWhatsAppDigest(ctx, sess.SessionID, text); err != nil {
		s.log.Error("proactive: deliver whatsapp briefing to %s: %v", userID, err)
	}
}

func (s *Scheduler) recordOutcome(schedule, userID string, outcome Outcome, result ProactiveCheckResult, deliveryErr error) {
	if s.metrics != nil {
		switch outcome {
		case OutcomeSent:
			s.metrics.IncrementProactiveSent()
		case OutcomeFailed:
			s.metrics.IncrementProactiveFailed()
		}
	}
	if s.audit == nil {
		return
	}
	var fired []string
	if len(result.StaleProjects) > 0 {
		fired = append(fired, "stale_projects")
	}
	if len(result.OverdueActions) > 0 {
		fired = append(fired, "overdue_actions")
	}
	if len(result.AtRiskGoals) > 0 {
		fired = append(fired, "at_risk_goals")
	}
	if len(result.SprintRisks) > 0 {
		fired = append(fired, "sprint_risk")
	}
	recErr := deliveryErr
	if recErr == nil && len(result.CheckErrors) > 0 {
		for check, err := range result.CheckErrors {
			recErr = fmt.Errorf("%s: %w", check, err)
			break
		}
	}
	if err := s.audit.Record(schedule, userID, outcome, fired, recErr); err != nil {
		s.log.Error("proactive: record audit row: %v", err)
	}
}

func formatDigest(r ProactiveCheckResult) string {
	digest := "Your daily digest:\n\n"
	if len(r.StaleProjects) > 0 {
		digest += fmt.Sprintf("- %d stale project(s)\n", len(r.StaleProjects))
	}
	if len(r.OverdueActions) > 0 {
		digest += fmt.Sprintf("- %d overdue action(s)\n", len(r.OverdueActions))
	}
	if len(r.AtRiskGoals) > 0 {
		digest += fmt.Sprintf("- %d goal(s) at risk\n", len(r.AtRiskGoals))
	}
	if len(r.SprintRisks) > 0 {
		digest += fmt.Sprintf("- %d high/critical sprint risk(s)\n", len(r.SprintRisks))
	}
	return digest
}

func digestForWhatsApp(r ProactiveCheckResult) string {
	if !r.HasIssues {
		return ""
	}
	return formatDigest(r)
}
