// Package reconcile applies server replies and pushes to the world model.
// It is the model's only writer while the bot runs.
package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"twbot/internal/bandit"
	"twbot/internal/persistence/indexdb"
	"twbot/internal/protocol"
	"twbot/internal/world"
)

// Reporter receives what the reconciler finds worth a bug report.
type Reporter interface {
	CommandError(rec world.CommandRecord, env protocol.ServerEnvelope, m *world.Model)
	MalformedReply(rec *world.CommandRecord, env protocol.ServerEnvelope, err error, m *world.Model)
	Inconsistency(problems []string, trigger string, m *world.Model)
}

// TradeLedger stores executed trades outside the state file.
type TradeLedger interface {
	RecordTrade(row indexdb.TradeRow)
}

type Options struct {
	RewardSuccess float64
	CooldownBase  time.Duration
	MaxRetries    int
	ReceiptTTL    time.Duration
	Now           func() time.Time
}

// FollowUp is a command the reconciler wants sent right away.
type FollowUp struct {
	Command string
	Data    any
}

// Outcome describes what one envelope did.
type Outcome struct {
	Record   *world.CommandRecord
	Env      protocol.ServerEnvelope
	Response protocol.Response
	Err      *protocol.ErrorBody

	// Orphan is a reply whose request is unknown or already answered.
	Orphan bool
	// Duplicate is a trade receipt whose idempotency key was already applied.
	Duplicate bool

	FollowUps    []FollowUp
	Trades       []world.TradeEntry
	Rewarded     bool
	Reward       float64
	Violations   []string
	LoggedIn     bool
	NeedLogin    bool
	NeedRegister bool
}

type Reconciler struct {
	m      *world.Model
	bandit *bandit.Bandit
	opts   Options
	guard  *receiptGuard
	ledger TradeLedger
	report Reporter
	log    *zap.Logger
}

func New(m *world.Model, b *bandit.Bandit, opts Options, log *zap.Logger) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		m:      m,
		bandit: b,
		opts:   opts,
		guard:  newReceiptGuard(opts.ReceiptTTL),
		log:    log,
	}
}

func (r *Reconciler) SetLedger(l TradeLedger)  { r.ledger = l }
func (r *Reconciler) SetReporter(rep Reporter) { r.report = rep }

// Apply processes one envelope in arrival order. The returned error is a
// decode failure of an ok reply; the model is left untouched in that case.
func (r *Reconciler) Apply(env protocol.ServerEnvelope) (Outcome, error) {
	out := Outcome{Env: env}
	if env.ReplyTo != "" {
		rec, ok := r.m.TakePending(env.ReplyTo)
		if !ok {
			r.log.Debug("reply without pending command", zap.String("reply_to", env.ReplyTo), zap.String("type", env.Type))
			out.Orphan = true
			return out, nil
		}
		out.Record = &rec
	}

	if !env.OK() {
		r.applyError(&out)
		r.finish(&out)
		return out, nil
	}

	resp, err := protocol.Decode(env)
	if err != nil {
		r.log.Warn("malformed reply", zap.String("type", env.Type), zap.Error(err))
		if r.report != nil {
			r.report.MalformedReply(out.Record, env, err, r.m)
		}
		if out.Record != nil {
			r.m.SetLastResult(world.ActionResult{
				Status:       env.Status,
				Command:      out.Record.Command,
				ResponseType: env.Type,
				ErrorMsg:     err.Error(),
				At:           r.opts.Now(),
			})
		}
		return out, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	out.Response = resp
	r.applyResponse(&out)
	r.finish(&out)
	return out, nil
}

func (r *Reconciler) finish(out *Outcome) {
	if out.Record != nil && !out.Duplicate {
		rec := out.Record
		res := world.ActionResult{
			Status:       out.Env.Status,
			Command:      rec.Command,
			ResponseType: protocol.NormalizeType(out.Env.Type),
			At:           r.opts.Now(),
		}
		if out.Err != nil {
			res.ErrorCode = out.Err.Code
			res.ErrorMsg = out.Err.Message
		}
		r.m.SetLastResult(res)
		r.credit(out)
	}

	out.Violations = r.m.Validate()
	if len(out.Violations) > 0 {
		r.log.Warn("state inconsistency", zap.Strings("problems", out.Violations), zap.String("trigger", out.Env.Type))
		if r.report != nil {
			r.report.Inconsistency(out.Violations, protocol.NormalizeType(out.Env.Type), r.m)
		}
	}
}

// credit rewards the bandit for commands it chose.
func (r *Reconciler) credit(out *Outcome) {
	rec := out.Record
	if r.bandit == nil || rec.Action == "" || rec.ContextKey == "" {
		return
	}
	reward := r.opts.RewardSuccess
	switch {
	case out.Err != nil:
		reward = -1
	case rec.Command == protocol.CmdTradeSell:
		var profit int64
		for _, t := range out.Trades {
			profit += t.Profit
		}
		reward = float64(profit) / 1000
	}
	r.bandit.Reward(rec.ContextKey, rec.Action, reward)
	out.Rewarded, out.Reward = true, reward
}

func (r *Reconciler) applyError(out *Outcome) {
	env := out.Env
	out.Err = env.Error
	if out.Err == nil {
		out.Err = &protocol.ErrorBody{Message: env.Status}
	}
	rec := out.Record
	if rec == nil {
		r.log.Warn("unsolicited error", zap.String("type", env.Type), zap.Int("code", out.Err.Code), zap.String("message", out.Err.Message))
		return
	}
	code := out.Err.Code
	log := r.log.With(zap.String("command", rec.Command), zap.Int("code", code), zap.String("message", out.Err.Message))
	// TODO: branch only on codes the server documents once it publishes its error table.
	if !protocol.IsKnownCode(code) {
		log.Info("command failed")
	}

	switch {
	case rec.Command == protocol.CmdMoveWarp && code == protocol.CodeNoWarpLink:
		var d protocol.WarpData
		_ = json.Unmarshal(rec.Data, &d)
		if d.ToSectorID > 0 {
			r.m.BlacklistWarp(d.ToSectorID)
		}
		r.m.ClearLocation()
		log.Info("no warp link, forcing location resync", zap.Int("to", d.ToSectorID))

	case protocol.IsTradeCommand(rec.Command) || rec.Command == protocol.CmdTradeQuote || rec.Command == protocol.CmdTradePortInfo:
		if protocol.IsPortTradeRefusal(code) {
			port := portOf(rec.Data)
			if port <= 0 {
				port = r.m.CurrentPortID()
			}
			if port > 0 {
				r.m.BlacklistPort(port)
				log.Info("port refuses trade", zap.Int("port", port))
			}
		} else if protocol.IsTradeCommand(rec.Command) {
			// Cargo or credits may have diverged; ask for the truth.
			r.m.RequestResync(true)
		}

	case rec.Command == protocol.CmdDescribeSchema && code == protocol.CodeUnknownSchema:
		var d protocol.SchemaRef
		_ = json.Unmarshal(rec.Data, &d)
		if d.Name != "" {
			r.m.BlacklistSchema(d.Name)
		}

	case rec.Command == protocol.CmdAuthRegister:
		if protocol.IsAlreadyExists(code) {
			log.Info("account already exists, logging in")
		}
		out.NeedLogin = true
		// Registration is not a retried action.
		return

	case rec.Command == protocol.CmdAuthLogin:
		r.m.ClearSession()
		out.NeedRegister = code != protocol.CodeNameTaken && code != protocol.CodeAlreadyRegistered
	}

	if rec.Goal != "" {
		r.m.PopGoal(rec.Goal)
	}
	ri := r.m.RecordFailure(rec.Command, r.opts.Now(), r.opts.CooldownBase, r.opts.MaxRetries)
	if ri.Blacklisted {
		log.Warn("command blacklisted for this session", zap.Int("failures", ri.Failures))
	}
	if r.report != nil {
		r.report.CommandError(*rec, env, r.m)
	}
}

func (r *Reconciler) applyResponse(out *Outcome) {
	now := r.opts.Now()
	rec := out.Record
	if rec != nil {
		r.m.RecordSuccess(rec.Command)
	}

	switch v := out.Response.(type) {
	case protocol.AuthSession:
		r.m.SetSession(v.Token)
		if v.Player != nil {
			r.m.UpdatePlayer(*v.Player)
		}
		if v.Ship != nil {
			r.m.UpdateShip(*v.Ship, now)
		}
		out.LoggedIn = true

	case protocol.PlayerInfo:
		r.m.UpdatePlayer(v.Player)
		if v.Ship != nil {
			r.m.UpdateShip(*v.Ship, now)
		}

	case protocol.ShipInfo:
		r.m.UpdateShip(v.Ship, now)

	case protocol.MoveResult:
		r.m.SetLocation(v.ToSectorID, now)
		out.FollowUps = append(out.FollowUps, FollowUp{
			Command: protocol.CmdSectorInfo,
			Data:    protocol.SectorRef{SectorID: v.ToSectorID},
		})

	case protocol.MovePath:
		r.m.SetPath(v.Path)
		if r.m.CurrentPath == nil && rec != nil && rec.Goal != "" {
			r.m.PopGoal(rec.Goal)
		}

	case protocol.SectorInfo:
		r.m.UpdateSector(v, now)

	case protocol.PortInfo:
		if v.Port.PortID <= 0 && rec != nil {
			v.Port.PortID = portOf(rec.Data)
		}
		r.m.UpdatePort(v.Port)

	case protocol.Quote:
		if v.PortID <= 0 && rec != nil {
			v.PortID = portOf(rec.Data)
		}
		if !v.Commodity.Valid() && rec != nil {
			var d protocol.QuoteData
			_ = json.Unmarshal(rec.Data, &d)
			v.Commodity = d.Commodity
		}
		r.m.UpdateQuote(v)

	case protocol.TradeReceipt:
		r.applyReceipt(out, v)

	case protocol.BankBalance:
		r.m.SetBank(v.Balance)
		if rec != nil && rec.Command == protocol.CmdBankDeposit {
			r.m.RequestResync(false)
		}

	case protocol.DensityScan:
		r.m.SetDensity(v.SectorID, v.Readings)

	case protocol.CommandList:
		r.m.SetCommandList(v.Names)

	case protocol.Schema:
		name := v.Name
		if name == "" && rec != nil {
			var d protocol.SchemaRef
			_ = json.Unmarshal(rec.Data, &d)
			name = d.Name
		}
		if name != "" {
			r.m.SetCommandSchema(name, v.Schema)
		}

	case protocol.Notice, protocol.Pong:
	case protocol.Unknown:
		r.log.Debug("ignoring unknown message type", zap.String("type", v.Type))
	}

	if rec != nil && rec.Goal != "" && goalDoneOnSuccess(rec.Command) {
		r.m.PopGoal(rec.Goal)
	}
}

func (r *Reconciler) applyReceipt(out *Outcome, v protocol.TradeReceipt) {
	rec := out.Record
	key := v.IdempotencyKey
	if key == "" && rec != nil {
		key = rec.Meta.IdempotencyKey
	}
	if !r.guard.first(key, r.opts.Now()) {
		r.log.Info("duplicate trade receipt ignored", zap.String("idempotency_key", key))
		out.Duplicate = true
		return
	}
	if v.PortID <= 0 && rec != nil {
		v.PortID = portOf(rec.Data)
	}
	if v.PortID <= 0 {
		v.PortID = r.m.CurrentPortID()
	}
	if len(v.Lines) == 0 {
		r.log.Warn("trade receipt without lines, resyncing ship", zap.String("type", v.ResponseType()))
		r.m.RequestResync(true)
		return
	}

	now := r.opts.Now()
	var delta int64
	for _, ln := range v.Lines {
		if ln.Units <= 0 {
			continue
		}
		e := world.TradeEntry{
			At:        now,
			PortID:    v.PortID,
			SectorID:  r.m.PlayerLocationSector,
			Commodity: ln.Commodity,
			UnitPrice: ln.PricePerUnit,
		}
		if v.Sell {
			profit, removed := r.m.SellFIFO(ln.Commodity, ln.Units, ln.PricePerUnit)
			if removed < ln.Units {
				r.log.Warn("sold more than local cargo", zap.String("commodity", string(ln.Commodity)), zap.Int("units", ln.Units), zap.Int("held", removed))
				r.m.Resync.Ship = true
			}
			e.Side, e.Quantity, e.Profit = "sell", ln.Units, profit
			delta += int64(ln.Units) * int64(ln.PricePerUnit)
		} else {
			r.m.AddLot(world.CargoLot{
				Commodity:     ln.Commodity,
				Quantity:      ln.Units,
				PurchasePrice: ln.PricePerUnit,
				OriginPortID:  v.PortID,
			})
			e.Side, e.Quantity = "buy", ln.Units
			delta -= int64(ln.Units) * int64(ln.PricePerUnit)
		}
		r.m.RecordTrade(e)
		out.Trades = append(out.Trades, e)
		if r.ledger != nil {
			r.ledger.RecordTrade(indexdb.TradeRow{
				At:             e.At,
				SectorID:       e.SectorID,
				PortID:         e.PortID,
				Commodity:      string(e.Commodity),
				Side:           e.Side,
				Quantity:       e.Quantity,
				UnitPrice:      e.UnitPrice,
				Profit:         e.Profit,
				IdempotencyKey: tradeKey(key, len(out.Trades)),
			})
		}
	}
	switch {
	case v.CreditsRemaining != nil:
		r.m.SetCredits(*v.CreditsRemaining)
	case r.m.Player != nil:
		r.m.SetCredits(r.m.Player.Credits + delta)
	}
}

// tradeKey keeps ledger rows of a multi-line receipt distinct.
func tradeKey(key string, n int) string {
	if key == "" || n <= 1 {
		return key
	}
	return fmt.Sprintf("%s#%d", key, n)
}

func goalDoneOnSuccess(command string) bool {
	switch command {
	case protocol.CmdTradeBuy, protocol.CmdTradeSell, protocol.CmdDensityScan:
		return true
	}
	return false
}

func portOf(data json.RawMessage) int {
	var d protocol.PortRef
	if err := json.Unmarshal(data, &d); err != nil {
		return 0
	}
	return d.PortID
}
