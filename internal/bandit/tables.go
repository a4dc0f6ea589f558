package bandit

import "sort"

// Tables are the learned values, keyed by canonical context string then
// action name. They persist verbatim so learning survives restarts.
type Tables struct {
	Q map[string]map[string]float64 `json:"q_table"`
	N map[string]map[string]int     `json:"n_table"`
}

func NewTables() Tables {
	return Tables{
		Q: map[string]map[string]float64{},
		N: map[string]map[string]int{},
	}
}

func (t *Tables) ensure(ctx string) {
	if t.Q == nil {
		t.Q = map[string]map[string]float64{}
	}
	if t.N == nil {
		t.N = map[string]map[string]int{}
	}
	if t.Q[ctx] == nil {
		t.Q[ctx] = map[string]float64{}
	}
	if t.N[ctx] == nil {
		t.N[ctx] = map[string]int{}
	}
}

// Update folds reward r into the running mean for (ctx, action).
func (t *Tables) Update(ctx, action string, r float64) {
	if ctx == "" || action == "" {
		return
	}
	t.ensure(ctx)
	n := t.N[ctx][action] + 1
	q := t.Q[ctx][action]
	t.N[ctx][action] = n
	t.Q[ctx][action] = q + (r-q)/float64(n)
}

// Value returns Q and N for (ctx, action); unseen pairs are 0, 0.
func (t *Tables) Value(ctx, action string) (float64, int) {
	var q float64
	var n int
	if m := t.Q[ctx]; m != nil {
		q = m[action]
	}
	if m := t.N[ctx]; m != nil {
		n = m[action]
	}
	return q, n
}

// Visits is the total pull count recorded under ctx.
func (t *Tables) Visits(ctx string) int {
	total := 0
	for _, n := range t.N[ctx] {
		total += n
	}
	return total
}

// Contexts lists known context keys in sorted order.
func (t *Tables) Contexts() []string {
	out := make([]string, 0, len(t.Q))
	for k := range t.Q {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Best returns the highest-valued action recorded under ctx.
func (t *Tables) Best(ctx string) (string, float64, bool) {
	var (
		best  string
		value float64
		found bool
	)
	actions := make([]string, 0, len(t.Q[ctx]))
	for a := range t.Q[ctx] {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		if q := t.Q[ctx][a]; !found || q > value {
			best, value, found = a, q, true
		}
	}
	return best, value, found
}
