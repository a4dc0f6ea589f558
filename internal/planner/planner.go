// Package planner decides the next command: invariants first, then the
// head goal of the plan, then a bandit choice over the current stage's
// action catalogue.
package planner

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"twbot/internal/bandit"
	"twbot/internal/protocol"
	"twbot/internal/world"
)

// DefaultMaxBuy caps units per trade.buy.
const DefaultMaxBuy = 10

// Command is what the main loop should send next.
type Command struct {
	Name      string
	Data      any
	Invariant bool

	// Set when the bandit chose the command.
	Action     string
	ContextKey string
	Stage      string

	// Set when a plan goal produced the command.
	Goal string
}

type Options struct {
	MaxBuy         int
	QuoteBuyMargin int
	StuckGoalTicks int
	QAMode         bool
	Now            func() time.Time
	Rand           *rand.Rand
}

type Planner struct {
	m      *world.Model
	bandit *bandit.Bandit
	opts   Options
	log    *zap.Logger

	stuckGoal  string
	stuckTicks int
	pathAsked  string
}

func New(m *world.Model, b *bandit.Bandit, opts Options, log *zap.Logger) *Planner {
	if opts.MaxBuy <= 0 {
		opts.MaxBuy = DefaultMaxBuy
	}
	if opts.StuckGoalTicks <= 0 {
		opts.StuckGoalTicks = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{m: m, bandit: b, opts: opts, log: log}
}

// Next returns the command for this tick, or nil to wait.
func (p *Planner) Next() *Command {
	if cmd, wait := p.invariants(); cmd != nil || wait {
		return cmd
	}
	if cmd, wait := p.fromPlan(); cmd != nil || wait {
		return cmd
	}
	return p.fallback()
}

// invariants fetches player, ship and sector state before anything else.
// wait is true while an invariant reply is still outstanding.
func (p *Planner) invariants() (cmd *Command, wait bool) {
	m := p.m
	now := p.opts.Now()
	locUnknown := m.PlayerLocationSector <= 0
	needPlayer := m.Player == nil || m.Resync.Player || locUnknown
	needShip := m.Ship == nil || m.Resync.Ship || locUnknown

	ready := func(name string) bool {
		return !m.PendingCommand(name) && !m.CoolingDown(name, now)
	}
	if needPlayer && ready(protocol.CmdPlayerMyInfo) {
		return &Command{Name: protocol.CmdPlayerMyInfo, Invariant: true}, true
	}
	if needShip && ready(protocol.CmdShipInfo) {
		return &Command{Name: protocol.CmdShipInfo, Invariant: true}, true
	}
	if needPlayer || needShip {
		return nil, true
	}
	if m.CurrentSector() == nil {
		if ready(protocol.CmdSectorInfo) {
			return &Command{
				Name:      protocol.CmdSectorInfo,
				Data:      protocol.SectorRef{SectorID: m.PlayerLocationSector},
				Invariant: true,
			}, true
		}
		return nil, true
	}
	return nil, false
}

// usable is the retry filter every non-invariant command passes.
func (p *Planner) usable(name string) bool {
	return p.m.CommandAvailable(name, p.opts.Now()) && !p.m.PendingCommand(name)
}

func (p *Planner) goalPending(goal string) bool {
	for _, rec := range p.m.Pending {
		if rec.Goal == goal {
			return true
		}
	}
	return false
}

// fromPlan executes the head goal. Goals that are already satisfied or can
// never run are dropped; a goal that stays blocked for StuckGoalTicks ticks
// clears the plan and triggers an escape warp. wait is true while the head
// goal's command is in flight.
func (p *Planner) fromPlan() (cmd *Command, wait bool) {
	for len(p.m.Plan) > 0 {
		head := p.m.Plan[0]
		if p.goalPending(head) {
			return nil, true
		}
		g, ok := ParseGoal(head)
		if !ok {
			p.m.PopGoal(head)
			continue
		}
		cmd, drop := p.execute(g)
		if drop {
			p.log.Debug("goal dropped", zap.String("goal", head))
			p.m.PopGoal(head)
			if p.pathAsked == head {
				p.pathAsked = ""
			}
			continue
		}
		if cmd != nil {
			cmd.Goal = head
			p.stuckGoal, p.stuckTicks = "", 0
			return cmd, false
		}
		return p.stuck(head), false
	}
	return nil, false
}

func (p *Planner) stuck(goal string) *Command {
	if p.stuckGoal != goal {
		p.stuckGoal, p.stuckTicks = goal, 0
	}
	p.stuckTicks++
	if p.stuckTicks < p.opts.StuckGoalTicks {
		return nil
	}
	p.log.Info("goal stuck, clearing plan", zap.String("goal", goal), zap.Int("ticks", p.stuckTicks))
	p.stuckGoal, p.stuckTicks, p.pathAsked = "", 0, ""
	p.m.ClearPlan()
	if !p.usable(protocol.CmdMoveWarp) {
		return nil
	}
	targets := p.m.WarpTargets()
	if len(targets) == 0 {
		return nil
	}
	to := targets[p.opts.Rand.Intn(len(targets))]
	return &Command{Name: protocol.CmdMoveWarp, Data: protocol.WarpData{ToSectorID: to}}
}

// execute maps one goal onto a command. drop means the goal is done or
// can never be executed here.
func (p *Planner) execute(g Goal) (cmd *Command, drop bool) {
	m := p.m
	switch g.Verb {
	case VerbGoto:
		to, ok := g.Sector()
		if !ok || to == m.PlayerLocationSector || m.WarpBlacklist.Has(to) {
			return nil, true
		}
		return p.gotoCmd(g.String(), to), false

	case VerbBuy:
		c, ok := protocol.CanonicalCommodity(g.Arg)
		if !ok {
			return nil, true
		}
		port, ok := m.TradablePort()
		if !ok || m.FreeHolds() == 0 || !p.usable(protocol.CmdTradeBuy) {
			return nil, false
		}
		qty := p.buyQuantity(port, c)
		if qty <= 0 {
			return nil, false
		}
		return buyCmd(port, c, qty), false

	case VerbSell:
		c, ok := protocol.CanonicalCommodity(g.Arg)
		if !ok {
			return nil, true
		}
		if m.CargoOf(c) == 0 {
			return nil, false
		}
		port, ok := m.TradablePort()
		if !ok || !p.usable(protocol.CmdTradeSell) {
			return nil, false
		}
		return sellCmd(port, c, m.CargoOf(c)), false

	case VerbScan:
		if m.ScannedHere() {
			return nil, true
		}
		if !p.usable(protocol.CmdDensityScan) {
			return nil, false
		}
		return &Command{Name: protocol.CmdDensityScan}, false

	case VerbSurvey:
		if !m.AtPort() || m.SurveyComplete() {
			return nil, true
		}
		name := protocol.CmdTradeQuote
		if m.CurrentPort() == nil {
			name = protocol.CmdTradePortInfo
		}
		if !p.usable(name) {
			return nil, false
		}
		return p.build(name), false
	}
	return nil, true
}

// gotoCmd warps to an adjacent target, follows a known path, or asks the
// server for one once per goal.
func (p *Planner) gotoCmd(goal string, to int) *Command {
	m := p.m
	if !p.usable(protocol.CmdMoveWarp) {
		return nil
	}
	if containsInt(m.Adjacent(), to) {
		return &Command{Name: protocol.CmdMoveWarp, Data: protocol.WarpData{ToSectorID: to}}
	}
	if len(m.CurrentPath) > 0 && m.CurrentPath[len(m.CurrentPath)-1] == to {
		hop := m.CurrentPath[0]
		if containsInt(m.WarpTargets(), hop) {
			return &Command{Name: protocol.CmdMoveWarp, Data: protocol.WarpData{ToSectorID: hop}}
		}
		m.SetPath(nil)
	}
	if p.pathAsked != goal && p.usable(protocol.CmdMovePathfind) {
		p.pathAsked = goal
		return &Command{Name: protocol.CmdMovePathfind, Data: protocol.PathfindData{From: m.PlayerLocationSector, To: to}}
	}
	if path := m.Pathfind(m.PlayerLocationSector, to); len(path) > 0 {
		m.SetPath(path)
		return &Command{Name: protocol.CmdMoveWarp, Data: protocol.WarpData{ToSectorID: path[0]}}
	}
	return nil
}

// Stage picks the coarse mode that shapes the action catalogue.
func (p *Planner) Stage() string {
	m := p.m
	switch {
	case m.CurrentSector() == nil:
		return bandit.StageExplore
	case m.AtPort() && !m.SurveyComplete() && !m.PortTradeBlacklist.Has(m.CurrentPortID()):
		return bandit.StageSurvey
	case m.FreeHolds() == 0 || m.SurveyComplete():
		return bandit.StageExploit
	}
	return bandit.StageExplore
}

// Catalogue lists the candidate actions for a stage before filtering.
func (p *Planner) Catalogue(stage string) []string {
	switch stage {
	case bandit.StageSurvey:
		return []string{protocol.CmdTradePortInfo, protocol.CmdTradeQuote}
	case bandit.StageExploit:
		var out []string
		if p.m.CanSellAny() {
			out = append(out, protocol.CmdTradeSell)
		}
		if p.m.CanBuyAny() {
			out = append(out, protocol.CmdTradeBuy)
		}
		return append(out, protocol.CmdMoveWarp, protocol.CmdBankDeposit, protocol.CmdBankBalance)
	}
	return []string{protocol.CmdSectorInfo, protocol.CmdMoveWarp, protocol.CmdBankBalance}
}

// Features discretizes the model for the bandit context key.
func (p *Planner) Features(stage string) bandit.Features {
	m := p.m
	f := bandit.Features{
		Stage:        stage,
		Degree:       len(m.Adjacent()),
		HoldsFull:    m.Ship != nil && m.FreeHolds() == 0,
		Credits:      m.Credits(),
		QAMode:       p.opts.QAMode,
		CanSell:      m.CanSellAny(),
		CanBuy:       m.CanBuyAny(),
		BankPositive: m.BankBalance > 0,
		Pending:      len(m.Pending) > 0,
	}
	if m.AtPort() {
		f.PortID = m.CurrentPortID()
	}
	return f
}

func (p *Planner) fallback() *Command {
	stage := p.Stage()
	var actions []string
	for _, a := range p.Catalogue(stage) {
		if p.usable(a) {
			actions = append(actions, a)
		}
	}
	key := p.Features(stage).Key()
	for len(actions) > 0 {
		a := p.bandit.Select(key, actions)
		cmd := p.build(a)
		if cmd == nil {
			actions = remove(actions, a)
			continue
		}
		cmd.Action, cmd.ContextKey, cmd.Stage = a, key, stage
		p.m.RecordDecision(a, key, stage)
		return cmd
	}
	return nil
}

// build is the per-action payload builder. nil means the action has no
// valid payload in the current state.
func (p *Planner) build(action string) *Command {
	m := p.m
	switch action {
	case protocol.CmdSectorInfo:
		if m.PlayerLocationSector <= 0 {
			return nil
		}
		return &Command{Name: action, Data: protocol.SectorRef{SectorID: m.PlayerLocationSector}}

	case protocol.CmdMoveWarp:
		targets := m.WarpTargets()
		if len(targets) == 0 {
			return nil
		}
		if fresh := m.UnexploredNeighbors(); len(fresh) > 0 {
			targets = fresh
		}
		return &Command{Name: action, Data: protocol.WarpData{ToSectorID: targets[p.opts.Rand.Intn(len(targets))]}}

	case protocol.CmdBankBalance:
		return &Command{Name: action}

	case protocol.CmdBankDeposit:
		if c := m.Credits(); c > 1000 {
			return &Command{Name: action, Data: protocol.DepositData{Amount: c - 1000}}
		}
		return nil

	case protocol.CmdTradePortInfo:
		id := m.CurrentPortID()
		if id <= 0 {
			return nil
		}
		return &Command{Name: action, Data: protocol.PortRef{PortID: id}}

	case protocol.CmdTradeQuote:
		id := m.CurrentPortID()
		listed := m.PortCommodities()
		if id <= 0 || len(listed) == 0 {
			return nil
		}
		c := listed[0]
		if unpriced := m.UnpricedCommodities(); len(unpriced) > 0 {
			c = unpriced[0]
		}
		return &Command{Name: action, Data: protocol.QuoteData{PortID: id, Commodity: c, Quantity: 1}}

	case protocol.CmdTradeBuy:
		c, _, ok := m.CheapestBuy()
		if !ok {
			return nil
		}
		port, _ := m.TradablePort()
		qty := p.buyQuantity(port, c)
		if qty <= 0 {
			return nil
		}
		return buyCmd(port, c, qty)

	case protocol.CmdTradeSell:
		c, _, ok := m.BestSell()
		if !ok {
			return nil
		}
		port, _ := m.TradablePort()
		return sellCmd(port, c, m.CargoOf(c))
	}
	return nil
}

// buyQuantity is min(MaxBuy, free holds, credits/price), and zero when the
// credits do not exceed the price. Without a cached price only the first
// two bounds apply.
func (p *Planner) buyQuantity(port int, c protocol.Commodity) int {
	qty := p.opts.MaxBuy
	if free := p.m.FreeHolds(); free < qty {
		qty = free
	}
	if price, ok := p.m.BuyPrice(port, c); ok && price > 0 {
		if p.m.Credits() <= int64(price) {
			return 0
		}
		if afford := p.m.Credits() / int64(price); afford < int64(qty) {
			qty = int(afford)
		}
	}
	return qty
}

func buyCmd(port int, c protocol.Commodity, qty int) *Command {
	return &Command{Name: protocol.CmdTradeBuy, Data: protocol.BuyData{
		PortID: port,
		Items:  []protocol.TradeItem{{Commodity: c, Quantity: qty}},
	}}
}

func sellCmd(port int, c protocol.Commodity, qty int) *Command {
	return &Command{Name: protocol.CmdTradeSell, Data: protocol.SellData{PortID: port, Commodity: c, Quantity: qty}}
}

func remove(vs []string, v string) []string {
	out := vs[:0:0]
	for _, x := range vs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func containsInt(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
