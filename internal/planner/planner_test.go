package planner

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"twbot/internal/bandit"
	"twbot/internal/protocol"
	"twbot/internal/reconcile"
	"twbot/internal/world"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ip(v int) *int      { return &v }
func i64(v int64) *int64 { return &v }

func newPlanner(t *testing.T, m *world.Model) *Planner {
	t.Helper()
	b := bandit.New(bandit.EpsilonGreedy{Epsilon: 0, Rand: rand.New(rand.NewSource(1))}, &m.Tables, zaptest.NewLogger(t))
	return New(m, b, Options{
		QuoteBuyMargin: 5,
		StuckGoalTicks: 2,
		Now:            func() time.Time { return t0 },
		Rand:           rand.New(rand.NewSource(2)),
	}, zaptest.NewLogger(t))
}

// sent mimics the main loop recording a command as pending.
func sent(m *world.Model, c *Command) {
	m.AddPending(world.CommandRecord{ID: "c-" + c.Name, Command: c.Name, Goal: c.Goal, SentAt: t0})
}

// docked is a player in sector 5 (neighbours 4 and 6) at port 11.
func docked(credits int64, holds int) *world.Model {
	m := world.New()
	m.SetSession("T")
	m.UpdatePlayer(protocol.PlayerData{Credits: i64(credits), Sector: 5})
	m.UpdateShip(protocol.ShipData{Holds: ip(holds), SectorID: 5, CargoKnown: true}, t0)
	m.UpdateSector(protocol.SectorInfo{SectorID: 5, Adjacent: []int{4, 6}, PortIDs: []int{11}, HasPort: true}, t0)
	m.UpdatePort(protocol.PortData{PortID: 11, SectorID: 5, Commodities: []protocol.PortCommodity{
		{Commodity: protocol.ORE}, {Commodity: protocol.ORG}, {Commodity: protocol.EQU},
	}})
	return m
}

func TestBootstrapAsksForShipAfterPlayer(t *testing.T) {
	m := world.New()
	m.SetSession("T")
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.CmdPlayerMyInfo, cmd.Name)
	assert.True(t, cmd.Invariant)

	m.UpdatePlayer(protocol.PlayerData{Sector: 42})
	cmd = p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.CmdShipInfo, cmd.Name)
	assert.True(t, cmd.Invariant)
}

func TestWarpResyncSequence(t *testing.T) {
	m := docked(1000, 25)
	m.ClearLocation()
	p := newPlanner(t, m)

	first := p.Next()
	require.NotNil(t, first)
	sent(m, first)
	second := p.Next()
	require.NotNil(t, second)
	sent(m, second)

	assert.Equal(t, protocol.CmdPlayerMyInfo, first.Name)
	assert.Equal(t, protocol.CmdShipInfo, second.Name)
	assert.Nil(t, p.Next(), "waits for the resync replies")
}

func TestUnknownSectorIsFetched(t *testing.T) {
	m := world.New()
	m.UpdatePlayer(protocol.PlayerData{Sector: 8})
	m.UpdateShip(protocol.ShipData{Holds: ip(10), SectorID: 8}, t0)
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, &Command{Name: protocol.CmdSectorInfo, Data: protocol.SectorRef{SectorID: 8}, Invariant: true}, cmd)
	sent(m, cmd)
	assert.Nil(t, p.Next())
}

func TestBuyGoalQuantityCappedByHolds(t *testing.T) {
	m := docked(1000, 25)
	m.AddLot(world.CargoLot{Commodity: protocol.ORE, Quantity: 20, PurchasePrice: 10})
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.ORG, BuyPrice: ip(10)})
	m.SetPlan([]string{"buy: ORG"})
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	want := &Command{
		Name: protocol.CmdTradeBuy,
		Data: protocol.BuyData{PortID: 11, Items: []protocol.TradeItem{{Commodity: protocol.ORG, Quantity: 5}}},
		Goal: "buy: ORG",
	}
	if diff := cmp.Diff(want, cmd); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
}

func TestBuyGoalQuantityCappedByCredits(t *testing.T) {
	m := docked(35, 25)
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.ORE, BuyPrice: ip(10)})
	m.SetPlan([]string{"buy: ORE"})
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, 3, cmd.Data.(protocol.BuyData).Items[0].Quantity)
}

func TestNoBuyWhenCreditsDoNotExceedPrice(t *testing.T) {
	m := docked(10, 25)
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.ORE, BuyPrice: ip(10)})
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.ORG, BuyPrice: ip(12)})
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.EQU, BuyPrice: ip(30)})
	p := newPlanner(t, m)

	assert.Nil(t, p.build(protocol.CmdTradeBuy))
	assert.NotContains(t, p.Catalogue(bandit.StageExploit), protocol.CmdTradeBuy)

	m.SetPlan([]string{"buy: ORE"})
	for i := 0; i < 5; i++ {
		if cmd := p.Next(); cmd != nil {
			assert.NotEqual(t, protocol.CmdTradeBuy, cmd.Name)
		}
	}
}

func TestSellGoalSellsAll(t *testing.T) {
	m := docked(100, 25)
	m.AddLot(world.CargoLot{Commodity: protocol.EQU, Quantity: 3, PurchasePrice: 30})
	m.AddLot(world.CargoLot{Commodity: protocol.EQU, Quantity: 4, PurchasePrice: 31})
	m.SetPlan([]string{"sell: equipment", "sell: ORE"})
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.SellData{PortID: 11, Commodity: protocol.EQU, Quantity: 7}, cmd.Data)
	assert.Equal(t, "sell: equipment", cmd.Goal)
}

func TestSellGoalWithoutCargoFallsThrough(t *testing.T) {
	m := docked(100, 25)
	m.SetPlan([]string{"sell: ORE"})
	p := newPlanner(t, m)

	first := p.Next()
	require.NotNil(t, first)
	assert.NotEqual(t, protocol.CmdTradeSell, first.Name)
	assert.Empty(t, first.Goal)
	assert.Equal(t, []string{"sell: ORE"}, m.Plan, "goal waits for cargo")

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.CmdMoveWarp, cmd.Name)
	assert.Empty(t, m.Plan)
}

func TestGotoAdjacentAndArrived(t *testing.T) {
	m := docked(100, 25)
	m.SetPlan([]string{"goto: 5", "goto: 6"})
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.WarpData{ToSectorID: 6}, cmd.Data)
	assert.Equal(t, []string{"goto: 6"}, m.Plan, "goal for the current sector is dropped")

	sent(m, cmd)
	assert.Nil(t, p.Next(), "waits while the goal's warp is in flight")
}

func TestGotoFarUsesPathfindThenPath(t *testing.T) {
	m := docked(100, 25)
	m.UpdateSector(protocol.SectorInfo{SectorID: 6, Adjacent: []int{5, 7}}, t0)
	m.UpdateSector(protocol.SectorInfo{SectorID: 7, Adjacent: []int{6, 9}}, t0)
	m.SetPlan([]string{"goto: 9"})
	p := newPlanner(t, m)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.PathfindData{From: 5, To: 9}, cmd.Data)

	m.SetPath([]int{5, 6, 7, 9})
	cmd = p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.WarpData{ToSectorID: 6}, cmd.Data)

	// A second goal for the same target falls back to the local map.
	m.SetPath(nil)
	cmd = p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.WarpData{ToSectorID: 6}, cmd.Data)
	assert.Equal(t, []int{6, 7, 9}, m.CurrentPath)
}

func TestStuckGoalEscapes(t *testing.T) {
	m := docked(100, 25)
	m.SetPlan([]string{"buy: ORE"})
	m.RecordFailure(protocol.CmdTradeBuy, t0, time.Minute, 0)
	p := newPlanner(t, m)

	first := p.Next()
	require.NotNil(t, first, "a blocked goal falls back to the stage actions")
	assert.NotEqual(t, protocol.CmdTradeBuy, first.Name)
	assert.Equal(t, []string{"buy: ORE"}, m.Plan)

	cmd := p.Next()
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.CmdMoveWarp, cmd.Name)
	assert.Contains(t, []int{4, 6}, cmd.Data.(protocol.WarpData).ToSectorID)
	assert.Empty(t, m.Plan)
}

func TestStageSelection(t *testing.T) {
	m := docked(100, 25)
	p := newPlanner(t, m)
	assert.Equal(t, bandit.StageSurvey, p.Stage())

	for _, c := range []protocol.Commodity{protocol.ORE, protocol.ORG, protocol.EQU} {
		m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: c, SellPrice: ip(20)})
	}
	assert.Equal(t, bandit.StageExploit, p.Stage())

	m.SetLocation(4, t0)
	m.UpdateSector(protocol.SectorInfo{SectorID: 4, Adjacent: []int{5}}, t0)
	assert.Equal(t, bandit.StageExplore, p.Stage())

	m.AddLot(world.CargoLot{Commodity: protocol.ORE, Quantity: 25})
	assert.Equal(t, bandit.StageExploit, p.Stage())
}

func TestSurveyQuotesUnpricedFirst(t *testing.T) {
	m := docked(100, 25)
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.ORE, BuyPrice: ip(9)})
	p := newPlanner(t, m)

	cmd := p.build(protocol.CmdTradeQuote)
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.QuoteData{PortID: 11, Commodity: protocol.ORG, Quantity: 1}, cmd.Data)

	cmd = p.Next()
	require.NotNil(t, cmd)
	assert.Contains(t, []string{protocol.CmdTradePortInfo, protocol.CmdTradeQuote}, cmd.Name)
	assert.Equal(t, bandit.StageSurvey, cmd.Stage)
	assert.Equal(t, cmd.Name, m.LastAction)
	assert.Equal(t, cmd.ContextKey, m.LastContextKey)
}

func TestIsolatedSectorNeverWarps(t *testing.T) {
	m := world.New()
	m.UpdatePlayer(protocol.PlayerData{Credits: i64(50), Sector: 2})
	m.UpdateShip(protocol.ShipData{Holds: ip(10), SectorID: 2}, t0)
	m.UpdateSector(protocol.SectorInfo{SectorID: 2}, t0)
	p := newPlanner(t, m)

	for i := 0; i < 50; i++ {
		cmd := p.Next()
		require.NotNil(t, cmd)
		assert.Contains(t, []string{protocol.CmdSectorInfo, protocol.CmdBankBalance}, cmd.Name)
	}
}

func TestBlacklistedCommandNeverOffered(t *testing.T) {
	m := docked(100, 25)
	m.SetLocation(4, t0)
	m.UpdateSector(protocol.SectorInfo{SectorID: 4, Adjacent: []int{5, 3}}, t0)
	for i := 0; i < 3; i++ {
		m.RecordFailure(protocol.CmdMoveWarp, t0.Add(-time.Hour), time.Second, 3)
	}
	p := newPlanner(t, m)

	for i := 0; i < 50; i++ {
		cmd := p.Next()
		require.NotNil(t, cmd)
		assert.NotEqual(t, protocol.CmdMoveWarp, cmd.Name)
	}
}

func TestDepositPayload(t *testing.T) {
	p := newPlanner(t, docked(1000, 25))
	assert.Nil(t, p.build(protocol.CmdBankDeposit))

	p = newPlanner(t, docked(4500, 25))
	cmd := p.build(protocol.CmdBankDeposit)
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.DepositData{Amount: 3500}, cmd.Data)
}

func TestWarpPrefersUnexplored(t *testing.T) {
	m := docked(100, 25)
	m.UpdateSector(protocol.SectorInfo{SectorID: 4, Adjacent: []int{5}}, t0)
	p := newPlanner(t, m)
	for i := 0; i < 20; i++ {
		cmd := p.build(protocol.CmdMoveWarp)
		require.NotNil(t, cmd)
		assert.Equal(t, protocol.WarpData{ToSectorID: 6}, cmd.Data)
	}
}

func TestImmediateSellAfterBuy(t *testing.T) {
	m := docked(1000, 25)
	m.UpdateQuote(protocol.Quote{PortID: 11, Commodity: protocol.ORE, BuyPrice: ip(10), SellPrice: ip(15)})
	p := newPlanner(t, m)

	buy := p.build(protocol.CmdTradeBuy)
	require.NotNil(t, buy)
	m.AddLot(world.CargoLot{Commodity: protocol.ORE, Quantity: 5, PurchasePrice: 10, OriginPortID: 11})
	out := reconcile.Outcome{
		Record: &world.CommandRecord{Command: protocol.CmdTradeBuy},
		Trades: []world.TradeEntry{{Side: "buy", PortID: 11, Commodity: protocol.ORE, Quantity: 5, UnitPrice: 10}},
	}
	cmd := p.AfterReply(out)
	require.NotNil(t, cmd)
	assert.Equal(t, &Command{Name: protocol.CmdTradeSell, Data: protocol.SellData{PortID: 11, Commodity: protocol.ORE, Quantity: 5}}, cmd)

	out.Duplicate = true
	assert.Nil(t, p.AfterReply(out))
}

func TestImmediateBuyAfterQuote(t *testing.T) {
	m := docked(1000, 25)
	m.UpdateQuote(protocol.Quote{PortID: 12, Commodity: protocol.EQU, SellPrice: ip(40)})
	p := newPlanner(t, m)

	q := protocol.Quote{PortID: 11, Commodity: protocol.EQU, BuyPrice: ip(30)}
	m.UpdateQuote(q)
	cmd := p.AfterReply(reconcile.Outcome{Record: &world.CommandRecord{Command: protocol.CmdTradeQuote}, Response: q})
	require.NotNil(t, cmd)
	assert.Equal(t, protocol.BuyData{PortID: 11, Items: []protocol.TradeItem{{Commodity: protocol.EQU, Quantity: 10}}}, cmd.Data)

	q.BuyPrice = ip(36)
	m.UpdateQuote(q)
	assert.Nil(t, p.AfterReply(reconcile.Outcome{Record: &world.CommandRecord{Command: protocol.CmdTradeQuote}, Response: q}), "margin 4 is under the threshold")
}

func TestParseGoal(t *testing.T) {
	g, ok := ParseGoal(" GOTO :  12 ")
	require.True(t, ok)
	assert.Equal(t, Goal{Verb: VerbGoto, Arg: "12"}, g)
	n, ok := g.Sector()
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Equal(t, "goto: 12", g.String())

	_, ok = ParseGoal("wander")
	assert.False(t, ok)
	_, ok = Goal{Verb: VerbGoto, Arg: "x"}.Sector()
	assert.False(t, ok)
}
