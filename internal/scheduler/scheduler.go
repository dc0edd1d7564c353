package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/history"
	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/notifier"
	"github.com/oficcejo/stock-ma30/internal/portfolio"
	"github.com/oficcejo/stock-ma30/internal/scanner"
)

// Options configures the scheduled jobs.
type Options struct {
	Request            scanner.Request
	Watchlist          []string
	PersistentMinDays  int
	PersistentLookback int
	SendRetries        int
	Location           *time.Location
}

// Scheduler manages the cron jobs and answers chat commands.
type Scheduler struct {
	Cron     *cron.Cron
	Scanner  *scanner.Scanner
	Analyzer *analyzer.Analyzer
	Store    history.Store
	Book     *portfolio.Book
	Notifier notifier.Notifier
	Ctx      context.Context

	opts     Options
	scanning sync.Mutex
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, sc *scanner.Scanner, an *analyzer.Analyzer, store history.Store,
	book *portfolio.Book, n notifier.Notifier, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PersistentMinDays <= 0 {
		opts.PersistentMinDays = 3
	}
	if opts.PersistentLookback <= 0 {
		opts.PersistentLookback = 5
	}
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds(), cron.WithLocation(opts.Location)),
		Scanner:  sc,
		Analyzer: an,
		Store:    store,
		Book:     book,
		Notifier: n,
		Ctx:      ctx,
		opts:     opts,
	}
}

// RegisterAll registers the market scan and the watchlist analysis.
func (s *Scheduler) RegisterAll(scanCron, watchlistCron string) error {
	if _, err := s.Cron.AddFunc(scanCron, s.scanTask); err != nil {
		return fmt.Errorf("register scan task: %w", err)
	}
	if watchlistCron == "" {
		return nil
	}
	if _, err := s.Cron.AddFunc(watchlistCron, s.watchlistTask); err != nil {
		return fmt.Errorf("register watchlist task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Info().Int("jobs", len(s.Cron.Entries())).Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

// RunScanNow executes the scan immediately (for manual trigger / RUN_ON_START).
func (s *Scheduler) RunScanNow() {
	s.scanTask()
}

func (s *Scheduler) scanTask() {
	report, signals, err := s.runScan(s.Ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduled scan")
		s.trySend(fmt.Sprintf("❌ 扫描失败: %v", err))
		return
	}
	s.trySend(report)
	if s.opts.Request.GenerateSignals {
		s.trySend(signals)
	}
}

// runScan runs one scan and renders the report and the signal list.
// Overlapping scans are refused.
func (s *Scheduler) runScan(ctx context.Context) (string, string, error) {
	if !s.scanning.TryLock() {
		return "", "", errors.New("a scan is already running")
	}
	defer s.scanning.Unlock()

	log.Info().Msg("running market scan")
	res, err := s.Scanner.Scan(ctx, s.opts.Request)
	if err != nil {
		return "", "", err
	}
	report := notifier.FormatScanReport(res.Snapshot, res.Entries, res.Market)
	return report, notifier.FormatSignals(res.Signals), nil
}

func (s *Scheduler) watchlistTask() {
	codes := s.watchCodes()
	if len(codes) == 0 {
		return
	}
	log.Info().Int("codes", len(codes)).Msg("running watchlist analysis")

	var b strings.Builder
	b.WriteString(fmt.Sprintf("📋 <b>自选股分析</b> | %s\n\n", time.Now().In(s.opts.Location).Format("2006-01-02")))
	for _, code := range codes {
		ev, err := s.analyze(s.Ctx, code)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Str("code", code).Msg("watchlist analysis")
			b.WriteString(fmt.Sprintf("⚠️ %s 分析失败: %s\n\n", code, model.ErrorKind(err)))
			continue
		}
		s.trailStop(ev)
		b.WriteString(notifier.FormatEvaluation(ev))
		b.WriteString("\n")
	}
	s.trySend(b.String())
}

// watchCodes is the configured watchlist plus every held instrument.
func (s *Scheduler) watchCodes() []string {
	seen := make(map[string]bool)
	var codes []string
	add := func(code string) {
		if code != "" && !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}
	for _, c := range s.opts.Watchlist {
		add(c)
	}
	if s.Book != nil {
		for _, p := range s.Book.Positions() {
			add(p.Code)
		}
	}
	return codes
}

func (s *Scheduler) analyze(ctx context.Context, code string) (*analyzer.Evaluation, error) {
	inst := model.Instrument{Code: code}
	if s.Book != nil {
		if p, ok := s.Book.Position(code); ok {
			inst.Name = p.Name
		}
	}
	return s.Analyzer.Analyze(ctx, inst)
}

// trailStop raises the stop of a held position on a Hold signal.
func (s *Scheduler) trailStop(ev *analyzer.Evaluation) {
	if s.Book == nil || ev.Signal == nil || ev.Signal.Type != model.SignalHold {
		return
	}
	if _, ok := s.Book.Position(ev.Signal.Code); !ok {
		return
	}
	if _, err := s.Book.Apply(ev.Signal, time.Now()); err != nil {
		log.Warn().Err(err).Str("code", ev.Signal.Code).Msg("trail stop")
	}
}

const helpText = `可用命令:
/scan - 立即扫描全市场
/latest - 最近一次扫描结果
/persistent [天数] [回看] - 持续强势股
/positions - 当前持仓
/analyze 代码 - 分析单只股票
/buy 代码 - 按信号买入或加仓
/sell 代码 - 平仓`

// HandleCommand answers one chat command. It never returns an empty reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return helpText
	}
	// "/scan@my_bot" addresses a bot in a group chat
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	args := fields[1:]

	switch name {
	case "/scan":
		report, signals, err := s.runScan(ctx)
		if err != nil {
			return fmt.Sprintf("❌ 扫描失败: %v", err)
		}
		if s.opts.Request.GenerateSignals {
			return report + "\n\n" + signals
		}
		return report

	case "/latest":
		snap, err := s.Store.Latest(ctx)
		if errors.Is(err, history.ErrNotFound) {
			return "暂无扫描记录"
		}
		if err != nil {
			return fmt.Sprintf("❌ 查询失败: %v", err)
		}
		entries := snap.Entries
		if n := s.opts.Request.MaxStocks; n > 0 && len(entries) > n {
			entries = entries[:n]
		}
		return notifier.FormatScanReport(snap, entries, nil)

	case "/persistent":
		minDays, lookback := s.opts.PersistentMinDays, s.opts.PersistentLookback
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return "用法: /persistent [天数] [回看]"
			}
			minDays = n
		}
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return "用法: /persistent [天数] [回看]"
			}
			lookback = n
		}
		rows, err := s.Store.PersistentStocks(ctx, minDays, lookback)
		if err != nil {
			return fmt.Sprintf("❌ 查询失败: %v", err)
		}
		return notifier.FormatPersistentStocks(rows, minDays, lookback)

	case "/positions":
		if s.Book == nil {
			return "未启用持仓管理"
		}
		return notifier.FormatPositions(s.Book.Positions())

	case "/analyze":
		if len(args) != 1 {
			return "用法: /analyze 代码"
		}
		ev, err := s.analyze(ctx, args[0])
		if err != nil {
			return fmt.Sprintf("❌ %s 分析失败 (%s): %v", args[0], model.ErrorKind(err), err)
		}
		return notifier.FormatEvaluation(ev)

	case "/buy":
		if len(args) != 1 {
			return "用法: /buy 代码"
		}
		return s.buy(ctx, args[0])

	case "/sell":
		if len(args) != 1 {
			return "用法: /sell 代码"
		}
		if s.Book == nil {
			return "未启用持仓管理"
		}
		if err := s.Book.Close(args[0]); err != nil {
			return fmt.Sprintf("❌ 平仓失败: %v", err)
		}
		return fmt.Sprintf("✅ 已平仓 %s", args[0])

	default:
		return helpText
	}
}

// buy analyses code and books the resulting Buy or AddPosition signal.
func (s *Scheduler) buy(ctx context.Context, code string) string {
	if s.Book == nil {
		return "未启用持仓管理"
	}
	ev, err := s.analyze(ctx, code)
	if err != nil {
		return fmt.Sprintf("❌ %s 分析失败 (%s): %v", code, model.ErrorKind(err), err)
	}
	sig := ev.Signal
	if sig == nil || (sig.Type != model.SignalBuy && sig.Type != model.SignalAddPosition) {
		return notifier.FormatEvaluation(ev) + "\n当前无买入信号, 未下单"
	}
	pos, err := s.Book.Apply(sig, time.Now())
	if err != nil {
		return fmt.Sprintf("❌ %s 记录失败 (%s): %v", code, model.ErrorKind(err), err)
	}
	return fmt.Sprintf("✅ %s %s %d股 | 止损%.2f\n\n%s", sig.Type.Label(), code, pos.Shares, pos.StopLoss,
		notifier.FormatPositions(s.Book.Positions()))
}

func (s *Scheduler) trySend(msg string) {
	if msg == "" {
		return
	}
	var err error
	if tn, ok := s.Notifier.(*notifier.TelegramNotifier); ok && s.opts.SendRetries > 0 {
		err = tn.SendWithRetry(s.Ctx, msg, s.opts.SendRetries)
	} else {
		err = s.Notifier.Send(s.Ctx, msg)
	}
	if err != nil {
		log.Error().Err(err).Msg("send notification")
	}
}
