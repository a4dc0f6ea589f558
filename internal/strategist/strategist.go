// Package strategist asks an LLM advisor for a goal queue whenever the
// plan runs dry, and turns whatever it says into goals the planner can
// execute.
package strategist

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"twbot/internal/world"
)

// Advisor produces free-form text for a prompt.
type Advisor interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Options struct {
	// RetryDelay spaces advisor calls after a failure or an empty plan.
	RetryDelay time.Duration
	Now        func() time.Time
	Rand       *rand.Rand
}

type Strategist struct {
	adv  Advisor
	m    *world.Model
	opts Options
	log  *zap.Logger

	nextTry time.Time
}

func New(adv Advisor, m *world.Model, opts Options, log *zap.Logger) *Strategist {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Strategist{adv: adv, m: m, opts: opts, log: log}
}

// Due reports whether Refresh would call the advisor now.
func (s *Strategist) Due() bool {
	if s.adv == nil || len(s.m.Plan) > 0 || !s.m.Authenticated() {
		return false
	}
	if s.m.PlayerLocationSector <= 0 || s.m.CurrentSector() == nil {
		return false
	}
	return !s.opts.Now().Before(s.nextTry)
}

// Refresh installs a new plan when the current one is empty. It returns
// the installed goals, or nil when nothing was installed. Advisor errors
// are returned after scheduling the retry.
func (s *Strategist) Refresh(ctx context.Context) ([]string, error) {
	if !s.Due() {
		return nil, nil
	}
	prompt, err := Prompt(BuildView(s.m))
	if err != nil {
		return nil, err
	}
	raw, err := s.adv.Generate(ctx, prompt)
	if err != nil {
		s.nextTry = s.opts.Now().Add(s.opts.RetryDelay)
		return nil, err
	}
	plan := s.Plan(raw)
	if len(plan) == 0 {
		s.log.Info("advisor plan empty after validation", zap.String("raw", truncate(raw, 240)))
		s.nextTry = s.opts.Now().Add(s.opts.RetryDelay)
		return nil, nil
	}
	s.log.Info("plan installed", zap.Strings("plan", plan))
	s.m.SetPlan(plan)
	return plan, nil
}

// Plan runs the full pipeline over one advisor reply.
func (s *Strategist) Plan(raw string) []string {
	goals := Parse(raw)
	goals = Unbore(s.m, goals, s.opts.Rand)
	goals = Validate(s.m, goals)
	return InjectSurvey(s.m, goals)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
