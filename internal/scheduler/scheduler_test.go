package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/collector"
	"github.com/oficcejo/stock-ma30/internal/history"
	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/portfolio"
	"github.com/oficcejo/stock-ma30/internal/scanner"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recorder) all() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.msgs, "\n")
}

var origin = time.Date(2023, 1, 6, 0, 0, 0, 0, time.Local)

// breakout is a 40 week base around 10 followed by a high-volume close at 11.5.
func breakout() []model.OHLCV {
	out := make([]model.OHLCV, 41)
	for i := range out {
		c, v := 10.1, 1000.0
		if i%2 == 1 {
			c = 9.9
		}
		if i == 40 {
			c, v = 11.5, 3000
		}
		out[i] = model.OHLCV{Time: origin.AddDate(0, 0, 7*i), Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: v}
	}
	return out
}

func riskParams() model.RiskParameters {
	return model.RiskParameters{
		MaxLossPercentOfCapital:  0.02,
		StopLossPercent:          0.08,
		MaxPositions:             5,
		SinglePositionMaxPercent: 0.2,
		AccountCapital:           100000,
		LotSize:                  100,
	}
}

type fixture struct {
	sched *Scheduler
	store *history.MemoryStore
	book  *portfolio.Book
	sent  *recorder
}

func newFixture(t *testing.T, watchlist ...string) *fixture {
	t.Helper()
	fetcher := &collector.MockFetcher{Weekly: map[string][]model.OHLCV{"600000": breakout()}}
	col := collector.NewCollector(fetcher, 30)
	store := history.NewMemoryStore()
	book, err := portfolio.NewBook("", riskParams())
	require.NoError(t, err)

	an := analyzer.New(col, store, book, analyzer.Config{Weeks: 150, Risk: riskParams()})
	sc := scanner.New(col, an, store, store, scanner.Options{Workers: 2})
	sent := &recorder{}
	sched := NewScheduler(context.Background(), sc, an, store, book, sent, Options{
		Request: scanner.Request{
			Universe:        []model.Instrument{{Code: "600000", Name: "浦发银行"}},
			Filter:          model.DefaultScanFilter(),
			GenerateSignals: true,
		},
		Watchlist: watchlist,
	})
	return &fixture{sched: sched, store: store, book: book, sent: sent}
}

func TestScanTaskSendsReportAndSignals(t *testing.T) {
	f := newFixture(t)
	f.sched.RunScanNow()

	out := f.sent.all()
	assert.Contains(t, out, "30周均线选股")
	assert.Contains(t, out, "600000")
	assert.Contains(t, out, "交易信号 1 条")

	snap, err := f.store.Latest(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "600000", snap.Entries[0].Code)
}

func TestHandleCommandHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, "暂无扫描记录", f.sched.HandleCommand(ctx, "/latest"))

	reply := f.sched.HandleCommand(ctx, "/scan@ma30_bot")
	assert.Contains(t, reply, "第二阶段 1 只")
	assert.Contains(t, reply, "买入")

	assert.Contains(t, f.sched.HandleCommand(ctx, "/latest"), "浦发银行")
	assert.Contains(t, f.sched.HandleCommand(ctx, "/persistent 1 5"), "出现1次")
	assert.Contains(t, f.sched.HandleCommand(ctx, "/persistent 2"), "暂无")
	assert.Contains(t, f.sched.HandleCommand(ctx, "/persistent x"), "用法")
}

func TestHandleCommandPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Contains(t, f.sched.HandleCommand(ctx, "/positions"), "空仓")

	reply := f.sched.HandleCommand(ctx, "/buy 600000")
	assert.Contains(t, reply, "✅")
	pos, ok := f.book.Position("600000")
	require.True(t, ok)
	assert.Equal(t, int64(800), pos.Shares)
	assert.Contains(t, f.sched.HandleCommand(ctx, "/positions"), "800股")

	assert.Contains(t, f.sched.HandleCommand(ctx, "/sell 600000"), "已平仓")
	assert.Contains(t, f.sched.HandleCommand(ctx, "/sell 600000"), "平仓失败")
	assert.Equal(t, 0, f.book.OpenCount())
}

func TestHandleCommandAnalyze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Contains(t, f.sched.HandleCommand(ctx, "/analyze 600000"), "第二阶段")
	assert.Contains(t, f.sched.HandleCommand(ctx, "/analyze 000002"), "InsufficientHistory")
	assert.Contains(t, f.sched.HandleCommand(ctx, "/analyze"), "用法")
	assert.Equal(t, helpText, f.sched.HandleCommand(ctx, "/unknown"))
	assert.Equal(t, helpText, f.sched.HandleCommand(ctx, "  "))
}

func TestOverlappingScanRefused(t *testing.T) {
	f := newFixture(t)
	f.sched.scanning.Lock()
	defer f.sched.scanning.Unlock()
	assert.Contains(t, f.sched.HandleCommand(context.Background(), "/scan"), "already running")
}

func TestWatchlistTask(t *testing.T) {
	f := newFixture(t, "600000", "000002", "600000")
	_, err := f.book.Apply(&model.Signal{Code: "600036", Type: model.SignalBuy, Price: 30}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"600000", "000002", "600036"}, f.sched.watchCodes())

	f.sched.watchlistTask()
	out := f.sent.all()
	assert.Contains(t, out, "自选股分析")
	assert.Contains(t, out, "600000")
	assert.Contains(t, out, "000002 分析失败")
}

func TestRegisterAll(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.RegisterAll("0 30 15 * * 1-5", "0 0 16 * * 5"))
	assert.Len(t, f.sched.Cron.Entries(), 2)

	err := newFixture(t).sched.RegisterAll("not a cron", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register scan task")
}
