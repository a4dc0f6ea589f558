// Package bot runs the cooperative main loop: reconnect and log in, drain
// and reconcile replies, bootstrap schemas, ask the strategist and planner
// for the next command, send it, save state.
package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"twbot/internal/config"
	"twbot/internal/planner"
	"twbot/internal/protocol"
	"twbot/internal/reconcile"
	"twbot/internal/strategist"
	"twbot/internal/transport"
	"twbot/internal/world"
)

// OutOfTurnsSleep is how long the bot idles once the server reports zero
// turns left.
const OutOfTurnsSleep = time.Hour

// Conn is the part of transport.Client the loop drives.
type Conn interface {
	Connect(ctx context.Context) error
	Connected() bool
	Send(env protocol.Envelope) error
	Recv() ([]transport.Incoming, error)
	Close() error
}

// Traffic sees every line in both directions. *bugreport.Reporter
// implements it.
type Traffic interface {
	Sent(env protocol.Envelope, m *world.Model)
	Received(line []byte, env protocol.ServerEnvelope, command string, m *world.Model)
}

type Bot struct {
	cfg config.Config
	log *zap.Logger

	m       *world.Model
	conn    Conn
	rec     *reconcile.Reconciler
	planner *planner.Planner
	strat   *strategist.Strategist
	traffic Traffic
	save    func(*world.Model) error

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	backoff    *transport.Backoff
	ping       *rate.Limiter
	schemaPace *rate.Limiter
	ignore     map[string]bool

	lastActivity time.Time
	resend       []world.CommandRecord
	dirty        bool
	// lost is set once a connection attempt failed or a live link dropped;
	// the next dial waits out the backoff.
	lost bool

	closers []func() error
}

// Parts are the collaborators New wires together. Strategist, Traffic and
// Save may be nil.
type Parts struct {
	Model      *world.Model
	Conn       Conn
	Reconciler *reconcile.Reconciler
	Planner    *planner.Planner
	Strategist *strategist.Strategist
	Traffic    Traffic
	Save       func(*world.Model) error
	Now        func() time.Time
	Sleep      func(context.Context, time.Duration) error
}

func New(cfg config.Config, p Parts, log *zap.Logger) *Bot {
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if log == nil {
		log = zap.NewNop()
	}
	ignore := map[string]bool{}
	for _, name := range cfg.SchemaIgnore {
		ignore[name] = true
	}
	return &Bot{
		cfg:        cfg,
		log:        log,
		m:          p.Model,
		conn:       p.Conn,
		rec:        p.Reconciler,
		planner:    p.Planner,
		strat:      p.Strategist,
		traffic:    p.Traffic,
		save:       p.Save,
		now:        p.Now,
		sleep:      p.Sleep,
		backoff:    transport.NewBackoff(cfg.ReconnectDelay(), 0),
		ping:       rate.NewLimiter(rate.Every(cfg.PingEvery()), 1),
		schemaPace: rate.NewLimiter(rate.Limit(cfg.SchemaRequestsPerSecond), 1),
		ignore:     ignore,
	}
}

func (b *Bot) Model() *world.Model { return b.m }

// Run ticks until ctx is cancelled, then logs out, closes the connection
// and saves. Only a failed final save is returned.
func (b *Bot) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := b.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("tick failed", zap.Error(err))
		}
		if err := b.sleep(ctx, b.cfg.TickInterval()); err != nil {
			break
		}
	}
	return b.Shutdown()
}

// Tick runs one pass of the loop.
func (b *Bot) Tick(ctx context.Context) error {
	defer b.flush()

	if !b.conn.Connected() {
		if err := b.reconnect(ctx); err != nil {
			return err
		}
	}
	if err := b.drain(); err != nil {
		return err
	}
	if !b.m.Authenticated() {
		b.ensureLogin()
		return nil
	}
	b.keepAlive()
	if b.bootstrapSchemas() {
		return nil
	}
	if b.m.OutOfTurns() {
		b.log.Info("out of turns, sleeping", zap.Duration("for", OutOfTurnsSleep))
		if err := b.sleep(ctx, OutOfTurnsSleep); err != nil {
			return err
		}
		b.m.MarkTurnsStale()
		b.dirty = true
		return nil
	}
	if b.strat != nil {
		if _, err := b.strat.Refresh(ctx); err != nil {
			b.log.Warn("strategist", zap.Error(err))
		}
	}
	cmd := b.planner.Next()
	if cmd == nil {
		return nil
	}
	if err := b.sendCommand(cmd); err != nil {
		return err
	}
	if cmd.Invariant && b.cfg.InvariantPause() > 0 {
		return b.sleep(ctx, b.cfg.InvariantPause())
	}
	return nil
}

// reconnect waits out the backoff, dials, and sends the login. Trades that
// were never answered are kept for re-sending once the new session is up.
func (b *Bot) reconnect(ctx context.Context) error {
	if b.m.Authenticated() || len(b.m.Pending) > 0 {
		b.resend = append(b.resend, b.m.UnansweredTrades()...)
		b.m.ClearSession()
		b.dirty = true
	}
	if b.lost {
		if err := b.sleep(ctx, b.backoff.Next()); err != nil {
			return err
		}
	}
	if err := b.conn.Connect(ctx); err != nil {
		b.log.Warn("connect failed", zap.Error(err))
		b.lost = true
		return nil
	}
	b.lost = false
	b.lastActivity = b.now()
	b.ensureLogin()
	return nil
}

func (b *Bot) ensureLogin() {
	m := b.m
	if !b.conn.Connected() || m.PendingCommand(protocol.CmdAuthLogin) || m.PendingCommand(protocol.CmdAuthRegister) {
		return
	}
	if m.CoolingDown(protocol.CmdAuthLogin, b.now()) {
		return
	}
	b.send(protocol.CmdAuthLogin, b.credentials(), world.CommandRecord{})
}

func (b *Bot) credentials() protocol.LoginData {
	return protocol.LoginData{
		Username:      b.cfg.PlayerUsername,
		Password:      b.cfg.PlayerPassword,
		ClientVersion: b.cfg.ClientVersion,
	}
}

// drain applies every buffered line in arrival order.
func (b *Bot) drain() error {
	in, err := b.conn.Recv()
	for _, inc := range in {
		b.handle(inc)
	}
	if errors.Is(err, transport.ErrClosed) {
		b.log.Warn("connection lost", zap.Error(err))
		b.lost = true
		return nil
	}
	return err
}

func (b *Bot) handle(inc transport.Incoming) {
	b.lastActivity = b.now()
	b.dirty = true
	if inc.Err != nil {
		b.log.Warn("undecodable line", zap.ByteString("line", inc.Raw), zap.Error(inc.Err))
		if b.traffic != nil {
			b.traffic.Received(inc.Raw, inc.Env, "", b.m)
		}
		return
	}
	var command string
	if rec, ok := b.m.Pending[inc.Env.ReplyTo]; ok {
		command = rec.Command
	}
	if b.traffic != nil {
		b.traffic.Received(inc.Raw, inc.Env, command, b.m)
	}

	out, err := b.rec.Apply(inc.Env)
	if err != nil {
		b.log.Warn("reply not applied", zap.String("command", command), zap.Error(err))
		return
	}
	if out.Orphan {
		return
	}

	switch {
	case out.LoggedIn:
		b.backoff.Reset()
		b.log.Info("logged in", zap.String("user", b.cfg.PlayerUsername))
		b.resendTrades()
	case out.NeedRegister:
		if b.cfg.RegisterIfMissing {
			b.log.Info("login refused, registering", zap.String("user", b.cfg.PlayerUsername))
			b.send(protocol.CmdAuthRegister, b.credentials(), world.CommandRecord{})
		} else {
			b.log.Error("login refused", zap.String("user", b.cfg.PlayerUsername))
		}
	case out.NeedLogin:
		b.ensureLogin()
	case command == protocol.CmdAuthRegister && out.Err == nil && !b.m.Authenticated():
		b.ensureLogin()
	}

	for _, f := range out.FollowUps {
		b.send(f.Command, f.Data, world.CommandRecord{})
	}
	if cmd := b.planner.AfterReply(out); cmd != nil {
		_ = b.sendCommand(cmd)
	}
}

// resendTrades repeats trades lost with the previous connection under their
// original idempotency keys so the server applies each at most once.
func (b *Bot) resendTrades() {
	pending := b.resend
	b.resend = nil
	for i, rec := range pending {
		env, err := protocol.NewEnvelopeWithKey(rec.Command, rec.Data, b.cfg.ClientVersion, rec.Meta.IdempotencyKey)
		if err != nil {
			b.log.Warn("cannot resend trade", zap.String("command", rec.Command), zap.Error(err))
			continue
		}
		b.log.Info("resending unanswered trade", zap.String("command", rec.Command), zap.String("key", rec.Meta.IdempotencyKey))
		if err := b.sendEnv(env, rec); err != nil {
			b.resend = append(b.resend, pending[i:]...)
			return
		}
	}
}

// keepAlive pings after PingInterval without traffic.
func (b *Bot) keepAlive() {
	now := b.now()
	if now.Sub(b.lastActivity) < b.cfg.PingEvery() {
		return
	}
	if !b.ping.AllowN(now, 1) {
		return
	}
	b.send(protocol.CmdPlayerPing, nil, world.CommandRecord{})
}

// bootstrapSchemas fetches the command list and then one schema per
// command, paced. It reports true while bootstrapping is still running.
func (b *Bot) bootstrapSchemas() bool {
	m := b.m
	if m.SchemasBootstrapped {
		return false
	}
	now := b.now()
	if len(m.KnownCommands) == 0 {
		switch {
		case m.PendingCommand(protocol.CmdSystemCmdList):
			return true
		case !m.CommandAvailable(protocol.CmdSystemCmdList, now):
			if r := m.Retry[protocol.CmdSystemCmdList]; r != nil && r.Blacklisted {
				b.finishBootstrap()
				return false
			}
			return true
		}
		b.send(protocol.CmdSystemCmdList, nil, world.CommandRecord{})
		return true
	}
	for _, name := range m.KnownCommands {
		if b.ignore[name] || m.SchemaBlacklist.Has(name) || m.PendingSchemaRequests.Has(name) {
			continue
		}
		if _, ok := m.CommandSchemas[name]; ok {
			continue
		}
		if !b.schemaPace.AllowN(now, 1) {
			return true
		}
		m.RequestSchema(name)
		b.send(protocol.CmdDescribeSchema, protocol.SchemaRef{Name: name}, world.CommandRecord{})
		return true
	}
	if m.PendingCommand(protocol.CmdDescribeSchema) {
		return true
	}
	b.finishBootstrap()
	return false
}

func (b *Bot) finishBootstrap() {
	b.m.FinishSchemaBootstrap()
	b.log.Info("schema bootstrap done",
		zap.Int("commands", len(b.m.KnownCommands)),
		zap.Int("schemas", len(b.m.CommandSchemas)),
	)
}

func (b *Bot) sendCommand(cmd *planner.Command) error {
	return b.send(cmd.Name, cmd.Data, world.CommandRecord{
		Invariant:  cmd.Invariant,
		Action:     cmd.Action,
		ContextKey: cmd.ContextKey,
		Stage:      cmd.Stage,
		Goal:       cmd.Goal,
	})
}

func (b *Bot) send(command string, data any, rec world.CommandRecord) error {
	env, err := protocol.NewEnvelope(command, data, b.cfg.ClientVersion)
	if err != nil {
		b.log.Error("build command", zap.String("command", command), zap.Error(err))
		return err
	}
	return b.sendEnv(env, rec)
}

// sendEnv writes env and records it as pending under its id.
func (b *Bot) sendEnv(env protocol.Envelope, rec world.CommandRecord) error {
	if err := b.conn.Send(env); err != nil {
		b.log.Warn("send failed", zap.String("command", env.Command), zap.Error(err))
		b.lost = true
		return err
	}
	rec.ID = env.ID
	rec.Command = env.Command
	rec.Data = env.Data
	rec.Meta = env.Meta
	rec.SentAt = b.now()
	b.m.AddPending(rec)
	b.lastActivity = rec.SentAt
	b.dirty = true
	if b.traffic != nil {
		b.traffic.Sent(env, b.m)
	}
	b.log.Debug("sent", zap.String("id", env.ID), zap.String("command", env.Command))
	return nil
}

func (b *Bot) flush() {
	if !b.dirty || b.save == nil {
		return
	}
	if err := b.save(b.m); err != nil {
		b.log.Error("save state", zap.Error(err))
		return
	}
	b.dirty = false
}

// Shutdown logs out best-effort, closes the connection and saves. Owned
// resources opened by Open are released after the save.
func (b *Bot) Shutdown() error {
	defer b.closeAll()
	if b.conn.Connected() && b.m.Authenticated() {
		if env, err := protocol.NewEnvelope(protocol.CmdAuthLogout, nil, b.cfg.ClientVersion); err == nil {
			if err := b.conn.Send(env); err != nil {
				b.log.Debug("logout not sent", zap.Error(err))
			}
		}
	}
	_ = b.conn.Close()
	if b.save == nil {
		return nil
	}
	if err := b.save(b.m); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

func (b *Bot) closeAll() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.log.Warn("close", zap.Error(err))
		}
	}
	b.closers = nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
