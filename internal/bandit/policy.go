package bandit

import (
	"math"
	"math/rand"
)

// Policy picks one of actions for the given context. actions is never empty.
type Policy interface {
	Choose(t *Tables, ctx string, actions []string) string
}

// EpsilonGreedy explores uniformly with probability Epsilon and otherwise
// takes the argmax of Q, breaking ties uniformly.
type EpsilonGreedy struct {
	Epsilon float64
	Rand    *rand.Rand
}

func (p EpsilonGreedy) Choose(t *Tables, ctx string, actions []string) string {
	if p.Rand.Float64() < p.Epsilon {
		return actions[p.Rand.Intn(len(actions))]
	}
	return argmax(actions, p.Rand, func(a string) float64 {
		q, _ := t.Value(ctx, a)
		return q
	})
}

// UCB1 plays every untried action first, then maximizes
// Q + C*sqrt(ln(total)/n).
type UCB1 struct {
	C    float64
	Rand *rand.Rand
}

func (p UCB1) Choose(t *Tables, ctx string, actions []string) string {
	var untried []string
	total := 0
	for _, a := range actions {
		_, n := t.Value(ctx, a)
		if n == 0 {
			untried = append(untried, a)
		}
		total += n
	}
	if len(untried) > 0 {
		return untried[p.Rand.Intn(len(untried))]
	}
	lnTotal := math.Log(float64(total))
	return argmax(actions, p.Rand, func(a string) float64 {
		q, n := t.Value(ctx, a)
		return q + p.C*math.Sqrt(lnTotal/float64(n))
	})
}

func argmax(actions []string, rng *rand.Rand, score func(string) float64) string {
	var best []string
	bestScore := math.Inf(-1)
	for _, a := range actions {
		s := score(a)
		switch {
		case s > bestScore:
			bestScore = s
			best = append(best[:0], a)
		case s == bestScore:
			best = append(best, a)
		}
	}
	return best[rng.Intn(len(best))]
}
