package bandit

import (
	"go.uber.org/zap"
)

// Bandit binds a policy to the tables it reads and rewards.
type Bandit struct {
	policy Policy
	tables *Tables
	log    *zap.Logger
}

func New(policy Policy, tables *Tables, log *zap.Logger) *Bandit {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bandit{policy: policy, tables: tables, log: log}
}

// Select returns "" only when actions is empty.
func (b *Bandit) Select(ctx string, actions []string) string {
	if len(actions) == 0 {
		return ""
	}
	if len(actions) == 1 {
		return actions[0]
	}
	return b.policy.Choose(b.tables, ctx, actions)
}

func (b *Bandit) Reward(ctx, action string, r float64) {
	if ctx == "" || action == "" {
		return
	}
	b.tables.Update(ctx, action, r)
	q, n := b.tables.Value(ctx, action)
	b.log.Debug("reward",
		zap.String("context", ctx),
		zap.String("action", action),
		zap.Float64("reward", r),
		zap.Float64("q", q),
		zap.Int("n", n),
	)
}

func (b *Bandit) Tables() *Tables { return b.tables }
