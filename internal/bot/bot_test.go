package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"twbot/internal/bandit"
	"twbot/internal/config"
	"twbot/internal/planner"
	"twbot/internal/protocol"
	"twbot/internal/reconcile"
	"twbot/internal/transport"
	"twbot/internal/world"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type replyFunc func(env protocol.Envelope) []string

// fakeConn is a scripted game server. Replies are queued on Send and
// handed out by the next Recv.
type fakeConn struct {
	up        bool
	dials     int
	failDials int
	sent      []protocol.Envelope
	inbox     []string
	respond   map[string]replyFunc
	hold      map[string]bool
}

func (c *fakeConn) Connect(context.Context) error {
	c.dials++
	if c.failDials > 0 {
		c.failDials--
		return errors.New("connection refused")
	}
	c.up = true
	return nil
}

func (c *fakeConn) Connected() bool { return c.up }

func (c *fakeConn) Send(env protocol.Envelope) error {
	if !c.up {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, env)
	if c.hold[env.Command] {
		return nil
	}
	if f := c.respond[env.Command]; f != nil {
		c.inbox = append(c.inbox, f(env)...)
	}
	return nil
}

func (c *fakeConn) Recv() ([]transport.Incoming, error) {
	if !c.up {
		return nil, fmt.Errorf("%w: eof", transport.ErrClosed)
	}
	var out []transport.Incoming
	for _, line := range c.inbox {
		env, err := protocol.DecodeServer([]byte(line))
		out = append(out, transport.Incoming{Raw: []byte(line), Env: env, Err: err})
	}
	c.inbox = nil
	return out, nil
}

func (c *fakeConn) Close() error {
	c.up = false
	return nil
}

// drop simulates the server going away with replies still in flight.
func (c *fakeConn) drop() {
	c.up = false
	c.inbox = nil
}

func (c *fakeConn) commands() []string {
	out := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.Command)
	}
	return out
}

func (c *fakeConn) count(command string) int {
	n := 0
	for _, env := range c.sent {
		if env.Command == command {
			n++
		}
	}
	return n
}

func ok(env protocol.Envelope, typ, data string) []string {
	return []string{fmt.Sprintf(`{"reply_to":%q,"type":%q,"status":"ok","data":%s}`, env.ID, typ, data)}
}

func refuse(env protocol.Envelope, code int, msg string) []string {
	return []string{fmt.Sprintf(`{"reply_to":%q,"type":"error","status":"error","error":{"code":%d,"message":%q}}`, env.ID, code, msg)}
}

func gameServer() *fakeConn {
	return &fakeConn{
		hold: map[string]bool{},
		respond: map[string]replyFunc{
			protocol.CmdAuthLogin: func(env protocol.Envelope) []string {
				return ok(env, protocol.TypeAuthSession, `{"session_token":"tok-1"}`)
			},
			protocol.CmdPlayerMyInfo: func(env protocol.Envelope) []string {
				return ok(env, protocol.TypePlayerInfo, `{"player":{"name":"bot","credits":1000,"turns_remaining":50,"sector":5}}`)
			},
			protocol.CmdShipInfo: func(env protocol.Envelope) []string {
				return ok(env, protocol.TypeShipInfo, `{"ship":{"id":1,"holds":20,"cargo":{},"location":{"sector_id":5}}}`)
			},
			protocol.CmdSectorInfo: func(env protocol.Envelope) []string {
				return ok(env, protocol.TypeSectorInfo, `{"sector_id":5,"adjacent":[4,6]}`)
			},
			protocol.CmdSystemCmdList: func(env protocol.Envelope) []string {
				return ok(env, protocol.TypeCmdList, `{"commands":["auth.login","player.my_info","move.warp"]}`)
			},
			protocol.CmdDescribeSchema: func(env protocol.Envelope) []string {
				var ref protocol.SchemaRef
				_ = json.Unmarshal(env.Data, &ref)
				return ok(env, protocol.TypeSchema, fmt.Sprintf(`{"name":%q,"schema":{"type":"object"}}`, ref.Name))
			},
			protocol.CmdPlayerPing: func(env protocol.Envelope) []string {
				return ok(env, protocol.TypePong, `{}`)
			},
			protocol.CmdMoveWarp: func(env protocol.Envelope) []string {
				var d protocol.WarpData
				_ = json.Unmarshal(env.Data, &d)
				return ok(env, protocol.TypeMoveResult, fmt.Sprintf(`{"to_sector_id":%d}`, d.ToSectorID))
			},
		},
	}
}

type harness struct {
	t      *testing.T
	b      *Bot
	m      *world.Model
	conn   *fakeConn
	now    time.Time
	sleeps []time.Duration
	saves  int
}

func newHarness(t *testing.T, conn *fakeConn, mod func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.PlayerUsername = "bot"
	cfg.PlayerPassword = "secret"
	if mod != nil {
		mod(&cfg)
	}
	h := &harness{t: t, m: world.New(), conn: conn, now: t0}
	clock := func() time.Time { return h.now }
	log := zaptest.NewLogger(t)
	rng := rand.New(rand.NewSource(1))

	bd := bandit.New(bandit.EpsilonGreedy{Rand: rng}, &h.m.Tables, log)
	rc := reconcile.New(h.m, bd, reconcile.Options{
		RewardSuccess: cfg.RewardSuccess,
		CooldownBase:  cfg.CooldownBase(),
		MaxRetries:    cfg.MaxRetriesPerCommand,
		Now:           clock,
	}, log)
	pl := planner.New(h.m, bd, planner.Options{Now: clock, Rand: rng}, log)
	h.b = New(cfg, Parts{
		Model:      h.m,
		Conn:       conn,
		Reconciler: rc,
		Planner:    pl,
		Save: func(*world.Model) error {
			h.saves++
			return nil
		},
		Now: clock,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			h.now = h.now.Add(d)
			return ctx.Err()
		},
	}, log)
	return h
}

// tick advances the clock by one tick interval and runs the loop once.
func (h *harness) tick() {
	h.t.Helper()
	h.now = h.now.Add(500 * time.Millisecond)
	require.NoError(h.t, h.b.Tick(context.Background()))
}

func (h *harness) tickUntil(max int, done func() bool) {
	h.t.Helper()
	for i := 0; i < max && !done(); i++ {
		h.tick()
	}
	require.True(h.t, done(), "condition not reached after %d ticks; sent %v", max, h.conn.commands())
}

func TestLoginBootstrapAndInvariants(t *testing.T) {
	conn := gameServer()
	h := newHarness(t, conn, nil)

	h.tickUntil(20, func() bool { return h.m.CurrentSector() != nil })

	require.GreaterOrEqual(t, len(conn.sent), 7)
	assert.Equal(t, []string{
		protocol.CmdAuthLogin,
		protocol.CmdSystemCmdList,
		protocol.CmdDescribeSchema,
		protocol.CmdDescribeSchema,
		protocol.CmdPlayerMyInfo,
		protocol.CmdShipInfo,
		protocol.CmdSectorInfo,
	}, conn.commands()[:7])

	var login protocol.LoginData
	require.NoError(t, json.Unmarshal(conn.sent[0].Data, &login))
	assert.Equal(t, "bot", login.Username)
	assert.Equal(t, "secret", login.Password)

	assert.True(t, h.m.SchemasBootstrapped)
	assert.Contains(t, h.m.CommandSchemas, "player.my_info")
	assert.Contains(t, h.m.CommandSchemas, "move.warp")
	assert.NotContains(t, h.m.CommandSchemas, "auth.login")
	assert.Equal(t, 5, h.m.PlayerLocationSector)
	assert.Equal(t, int64(1000), h.m.Credits())
	assert.Positive(t, h.saves)
	assert.Contains(t, h.sleeps, 750*time.Millisecond)
	assert.Equal(t, 1, conn.dials)
}

func TestBlacklistedSchemaNotRequested(t *testing.T) {
	conn := gameServer()
	h := newHarness(t, conn, nil)
	h.m.BlacklistSchema(protocol.CmdMoveWarp)

	h.tickUntil(20, func() bool { return h.m.SchemasBootstrapped })

	var asked []string
	for _, env := range conn.sent {
		if env.Command != protocol.CmdDescribeSchema {
			continue
		}
		var ref protocol.SchemaRef
		require.NoError(t, json.Unmarshal(env.Data, &ref))
		asked = append(asked, ref.Name)
	}
	assert.Equal(t, []string{protocol.CmdPlayerMyInfo}, asked)
	assert.NotContains(t, h.m.CommandSchemas, protocol.CmdMoveWarp)
}

func TestPlannerRunsAfterInvariants(t *testing.T) {
	conn := gameServer()
	h := newHarness(t, conn, func(c *config.Config) { c.InvariantPauseMS = 0 })
	h.m.FinishSchemaBootstrap()

	h.tickUntil(20, func() bool { return h.m.CurrentSector() != nil })
	before := len(conn.sent)
	h.tick()
	require.Greater(t, len(conn.sent), before)
	last := conn.sent[len(conn.sent)-1]
	assert.NotContains(t, []string{protocol.CmdAuthLogin, protocol.CmdSystemCmdList}, last.Command)
	assert.NotEmpty(t, h.m.Pending)
}

func TestRegisterWhenLoginRefused(t *testing.T) {
	conn := gameServer()
	logins := 0
	conn.respond[protocol.CmdAuthLogin] = func(env protocol.Envelope) []string {
		logins++
		if logins == 1 {
			return refuse(env, 1100, "no such player")
		}
		return ok(env, protocol.TypeAuthSession, `{"session_token":"tok-2"}`)
	}
	conn.respond[protocol.CmdAuthRegister] = func(env protocol.Envelope) []string {
		return ok(env, "auth.registered", `{"player_id":7}`)
	}
	h := newHarness(t, conn, func(c *config.Config) { c.RegisterIfMissing = true })

	h.tickUntil(40, h.m.Authenticated)

	assert.Equal(t, []string{protocol.CmdAuthLogin, protocol.CmdAuthRegister, protocol.CmdAuthLogin}, conn.commands()[:3])
	assert.Equal(t, "tok-2", h.m.Session.Token)
}

func TestNoRegisterWithoutOptIn(t *testing.T) {
	conn := gameServer()
	conn.respond[protocol.CmdAuthLogin] = func(env protocol.Envelope) []string {
		return refuse(env, 1100, "no such player")
	}
	h := newHarness(t, conn, nil)

	for i := 0; i < 5; i++ {
		h.tick()
	}
	assert.Zero(t, conn.count(protocol.CmdAuthRegister))
	assert.False(t, h.m.Authenticated())
}

func TestUnansweredTradeResentAfterRelogin(t *testing.T) {
	conn := gameServer()
	conn.hold[protocol.CmdTradeSell] = true
	h := newHarness(t, conn, nil)
	h.m.FinishSchemaBootstrap()

	h.tick()
	require.True(t, h.m.Authenticated())
	require.NoError(t, h.b.sendCommand(&planner.Command{
		Name: protocol.CmdTradeSell,
		Data: protocol.SellData{PortID: 11, Commodity: protocol.ORE, Quantity: 2},
	}))
	first := conn.sent[len(conn.sent)-1]

	conn.drop()
	h.tick()

	require.Equal(t, 2, conn.dials)
	require.Equal(t, 2, conn.count(protocol.CmdTradeSell))
	var resent protocol.Envelope
	for _, env := range conn.sent {
		if env.Command == protocol.CmdTradeSell {
			resent = env
		}
	}
	assert.Equal(t, first.ID, resent.ID)
	assert.Equal(t, first.Meta.IdempotencyKey, resent.Meta.IdempotencyKey)
	assert.JSONEq(t, string(first.Data), string(resent.Data))
	assert.Contains(t, h.m.Pending, first.ID)
}

func TestReconnectWaitsOutBackoff(t *testing.T) {
	conn := gameServer()
	conn.failDials = 1
	h := newHarness(t, conn, nil)

	h.tick()
	assert.False(t, conn.up)
	assert.Empty(t, h.sleeps)

	h.tick()
	assert.True(t, conn.up)
	require.NotEmpty(t, h.sleeps)
	assert.Equal(t, 5*time.Second, h.sleeps[0])
	assert.Equal(t, protocol.CmdAuthLogin, conn.sent[0].Command)
}

func TestOutOfTurnsSleeps(t *testing.T) {
	conn := gameServer()
	conn.respond[protocol.CmdPlayerMyInfo] = func(env protocol.Envelope) []string {
		return ok(env, protocol.TypePlayerInfo, `{"player":{"name":"bot","credits":10,"turns_remaining":0,"sector":5}}`)
	}
	h := newHarness(t, conn, func(c *config.Config) { c.InvariantPauseMS = 0 })
	h.m.FinishSchemaBootstrap()

	h.tickUntil(5, func() bool {
		for _, d := range h.sleeps {
			if d == OutOfTurnsSleep {
				return true
			}
		}
		return false
	})
	assert.True(t, h.m.Resync.Player)
	assert.False(t, h.m.OutOfTurns())

	h.tick()
	assert.Equal(t, 2, conn.count(protocol.CmdPlayerMyInfo))
}

func TestPingAfterIdle(t *testing.T) {
	conn := gameServer()
	conn.hold[protocol.CmdPlayerMyInfo] = true
	conn.hold[protocol.CmdShipInfo] = true
	h := newHarness(t, conn, func(c *config.Config) { c.InvariantPauseMS = 0 })
	h.m.FinishSchemaBootstrap()

	h.tick()
	h.tick()
	assert.Zero(t, conn.count(protocol.CmdPlayerPing))

	h.now = h.now.Add(21 * time.Second)
	h.tick()
	assert.Equal(t, 1, conn.count(protocol.CmdPlayerPing))

	h.tick()
	assert.Equal(t, 1, conn.count(protocol.CmdPlayerPing))
}

func TestRunLogsOutAndSaves(t *testing.T) {
	conn := gameServer()
	h := newHarness(t, conn, nil)
	h.m.FinishSchemaBootstrap()
	closed := 0
	h.b.closers = []func() error{func() error { closed++; return nil }}

	ctx, cancel := context.WithCancel(context.Background())
	h.b.sleep = func(ctx context.Context, d time.Duration) error {
		h.now = h.now.Add(d)
		if d == h.b.cfg.TickInterval() {
			cancel()
		}
		return ctx.Err()
	}
	require.NoError(t, h.b.Run(ctx))

	require.NotEmpty(t, conn.sent)
	assert.Equal(t, protocol.CmdAuthLogout, conn.sent[len(conn.sent)-1].Command)
	assert.False(t, conn.up)
	assert.Positive(t, h.saves)
	assert.Equal(t, 1, closed)
}

func TestShutdownOfflineOnlySaves(t *testing.T) {
	conn := gameServer()
	h := newHarness(t, conn, nil)

	require.NoError(t, h.b.Shutdown())
	assert.Empty(t, conn.sent)
	assert.Equal(t, 1, h.saves)
}
