package bot

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"twbot/internal/advisor"
	"twbot/internal/bandit"
	"twbot/internal/bugreport"
	"twbot/internal/config"
	"twbot/internal/persistence/indexdb"
	"twbot/internal/persistence/r2s3"
	"twbot/internal/persistence/statefile"
	"twbot/internal/planner"
	"twbot/internal/protocol"
	"twbot/internal/reconcile"
	"twbot/internal/strategist"
	"twbot/internal/transport"
	"twbot/internal/world"
)

// Open builds a ready-to-run bot from configuration. The state file must
// be readable and writable; the ledger, the bucket mirror and the advisor
// are optional.
func Open(cfg config.Config, log *zap.Logger) (*Bot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := statefile.Load(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	m.Session.Username = cfg.PlayerUsername
	m.Session.ClientVersion = cfg.ClientVersion
	save := func(m *world.Model) error { return statefile.Save(cfg.StateFile, m) }
	if err := save(m); err != nil {
		return nil, fmt.Errorf("state file not writable: %w", err)
	}

	var closers []func() error
	fail := func(err error) (*Bot, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var policy bandit.Policy = bandit.EpsilonGreedy{Epsilon: cfg.EpsilonExploit, Rand: rng}
	if cfg.BanditPolicy == config.PolicyUCB1 {
		policy = bandit.UCB1{C: cfg.UCBC, Rand: rng}
	}
	bd := bandit.New(policy, &m.Tables, log.Named("bandit"))

	rc := reconcile.New(m, bd, reconcile.Options{
		RewardSuccess: cfg.RewardSuccess,
		CooldownBase:  cfg.CooldownBase(),
		MaxRetries:    cfg.MaxRetriesPerCommand,
	}, log.Named("reconcile"))
	pl := planner.New(m, bd, planner.Options{
		QuoteBuyMargin: cfg.QuoteBuyMargin,
		StuckGoalTicks: cfg.StuckGoalTicks,
		QAMode:         cfg.QAMode,
		Rand:           rng,
	}, log.Named("planner"))

	ropts := bugreport.Options{
		Dir:    cfg.BugReportPath,
		QADir:  cfg.LogFile,
		QAMode: cfg.QAMode,
	}
	if ropts.Schemas, err = protocol.LoadSchemas(); err != nil {
		return fail(fmt.Errorf("load schemas: %w", err))
	}
	if cfg.LedgerDB != "" {
		idx, err := indexdb.OpenSQLite(cfg.LedgerDB)
		if err != nil {
			return fail(fmt.Errorf("open ledger: %w", err))
		}
		closers = append(closers, func() error {
			st := idx.Stats()
			log.Info("ledger closing", zap.Int("queue", st.QueueDepth), zap.Uint64("dropped_trades", st.DropTradeTotal), zap.Uint64("dropped_bugs", st.DropBugTotal))
			return idx.Close()
		})
		rc.SetLedger(idx)
		ropts.Index = idx
	}
	if cfg.R2Enabled() {
		cl, err := r2s3.New(cfg.R2Endpoint, cfg.R2Bucket, cfg.R2AccessKeyID, cfg.R2SecretAccessKey)
		if err != nil {
			return fail(fmt.Errorf("r2 mirror: %w", err))
		}
		cl.SetRegion(cfg.R2Region)
		mirror := r2s3.NewMirror(cl, r2s3.MirrorOptions{
			BaseDir: cfg.BugReportPath,
			Prefix:  cfg.R2Prefix,
		}, log.Named("mirror"))
		closers = append(closers, func() error {
			mirror.Close()
			st := mirror.Stats()
			log.Info("mirror closed", zap.Uint64("uploaded", st.UploadSuccessTotal), zap.Uint64("failed", st.UploadFailTotal), zap.Uint64("dropped", st.DroppedTotal))
			return nil
		})
		ropts.Mirror = mirror
	}
	rep, err := bugreport.New(ropts, log.Named("bugreport"))
	if err != nil {
		return fail(fmt.Errorf("bug reports: %w", err))
	}
	closers = append(closers, rep.Close)
	rc.SetReporter(rep)

	var strat *strategist.Strategist
	if cfg.OllamaURL != "" {
		adv := advisor.New(advisor.Options{
			URL:        cfg.OllamaURL,
			Model:      cfg.OllamaModel,
			NumPredict: cfg.LLMNumPredict,
			Timeout:    cfg.LLMDeadline(),
		})
		strat = strategist.New(adv, m, strategist.Options{RetryDelay: cfg.LLMRetry(), Rand: rng}, log.Named("strategist"))
		log.Info("advisor enabled", zap.String("advisor", adv.Name()))
	}

	conn := transport.New(transport.Options{Address: cfg.Address()}, log.Named("transport"))

	b := New(cfg, Parts{
		Model:      m,
		Conn:       conn,
		Reconciler: rc,
		Planner:    pl,
		Strategist: strat,
		Traffic:    rep,
		Save:       save,
	}, log)
	b.closers = closers
	return b, nil
}
