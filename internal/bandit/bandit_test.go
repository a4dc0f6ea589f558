package bandit

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTables_UpdateIsRunningMean(t *testing.T) {
	tb := NewTables()
	rewards := []float64{0.1, -1, 0.025, 0.1, 2.5, -0.3}
	sum := 0.0
	for _, r := range rewards {
		tb.Update("k", "move.warp", r)
		sum += r
	}
	q, n := tb.Value("k", "move.warp")
	assert.Equal(t, len(rewards), n)
	assert.InDelta(t, sum/float64(len(rewards)), q, 1e-12)

	q, n = tb.Value("k", "trade.buy")
	assert.Zero(t, q)
	assert.Zero(t, n)
	assert.Equal(t, len(rewards), tb.Visits("k"))
}

func TestTables_JSONKeys(t *testing.T) {
	tb := NewTables()
	tb.Update("ctx", "sector.info", 1)
	b, err := json.Marshal(tb)
	require.NoError(t, err)
	assert.JSONEq(t, `{"q_table":{"ctx":{"sector.info":1}},"n_table":{"ctx":{"sector.info":1}}}`, string(b))

	var back Tables
	require.NoError(t, json.Unmarshal(b, &back))
	back.Update("ctx", "sector.info", 0)
	q, n := back.Value("ctx", "sector.info")
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.5, q, 1e-12)
}

func TestEpsilonGreedy_ExploitsArgmax(t *testing.T) {
	tb := NewTables()
	tb.Update("k", "a", 0.1)
	tb.Update("k", "b", 0.9)
	tb.Update("k", "c", -1)
	p := EpsilonGreedy{Epsilon: 0, Rand: rand.New(rand.NewSource(1))}
	for i := 0; i < 50; i++ {
		assert.Equal(t, "b", p.Choose(&tb, "k", []string{"a", "b", "c"}))
	}
}

func TestEpsilonGreedy_TiesAndExplorationCoverAll(t *testing.T) {
	tb := NewTables()
	actions := []string{"a", "b", "c"}
	for _, eps := range []float64{0, 1} {
		p := EpsilonGreedy{Epsilon: eps, Rand: rand.New(rand.NewSource(7))}
		seen := map[string]int{}
		for i := 0; i < 300; i++ {
			seen[p.Choose(&tb, "fresh", actions)]++
		}
		assert.Len(t, seen, 3, "eps=%v", eps)
	}
}

func TestUCB1_TriesUnseenFirst(t *testing.T) {
	tb := NewTables()
	tb.Update("k", "a", 1)
	tb.Update("k", "b", 1)
	p := UCB1{C: 1.4, Rand: rand.New(rand.NewSource(3))}
	assert.Equal(t, "c", p.Choose(&tb, "k", []string{"a", "b", "c"}))

	tb.Update("k", "c", 0)
	for i := 0; i < 20; i++ {
		tb.Update("k", "a", 1)
	}
	// b has the same mean as a but far fewer pulls, so its bonus wins.
	assert.Equal(t, "b", p.Choose(&tb, "k", []string{"a", "b", "c"}))
}

func TestBandit_SelectAndReward(t *testing.T) {
	tb := NewTables()
	b := New(EpsilonGreedy{Epsilon: 0, Rand: rand.New(rand.NewSource(1))}, &tb, zaptest.NewLogger(t))
	assert.Equal(t, "", b.Select("k", nil))
	assert.Equal(t, "only", b.Select("k", []string{"only"}))

	b.Reward("k", "x", -1)
	b.Reward("k", "y", 0.1)
	assert.Equal(t, "y", b.Select("k", []string{"x", "y"}))
	best, v, ok := tb.Best("k")
	require.True(t, ok)
	assert.Equal(t, "y", best)
	assert.False(t, math.IsNaN(v))
}

func TestFeatures_KeyIsCanonical(t *testing.T) {
	a := Features{Stage: StageExplore, Degree: 2, Credits: 5000}
	b := Features{Stage: StageExplore, Degree: 3, Credits: 9999}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "stage=explore|sector=corridor|port=none|holds=not_full|credits=low|qa=false|sell=false|buy=false|bank=false|pending=false", a.Key())

	c := Features{Stage: StageExploit, Degree: 6, PortID: 12, HoldsFull: true, Credits: 250_000, CanSell: true, Pending: true}
	assert.Equal(t, "stage=exploit|sector=hub|port=p12|holds=full|credits=high|qa=false|sell=true|buy=false|bank=false|pending=true", c.Key())
}

func TestBuckets(t *testing.T) {
	cases := map[int]string{0: "isolated", 1: "deadend", 2: "corridor", 3: "corridor", 4: "hub"}
	for d, want := range cases {
		assert.Equal(t, want, SectorClass(d))
	}
	assert.Equal(t, "low", CreditsBucket(9_999))
	assert.Equal(t, "medium", CreditsBucket(10_000))
	assert.Equal(t, "medium", CreditsBucket(99_999))
	assert.Equal(t, "high", CreditsBucket(100_000))
}
