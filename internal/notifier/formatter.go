package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/model"
)

// FormatScanReport formats a scan result: statistics, market context and the ranked view.
func FormatScanReport(snap *model.ScanSnapshot, entries []model.ScanEntry, market *model.Stage) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("📊 <b>30周均线选股</b> | %s\n\n", snap.ScanDate.Format("2006-01-02")))
	if market != nil {
		b.WriteString(fmt.Sprintf("大盘阶段: %s\n", market.Label()))
	}
	st := snap.Stats
	b.WriteString(fmt.Sprintf("股票池: %d | 过滤后: %d | 已分析: %d\n", st.Universe, st.Eligible, st.Evaluated))
	b.WriteString(FormatStageCounts(st.StageCounts))
	if n := st.ErrorCount(); n > 0 {
		b.WriteString(fmt.Sprintf("跳过: %d (%s)\n", n, formatTally(st.Errors)))
	}
	b.WriteString(fmt.Sprintf("耗时: %s\n\n", st.Duration.Round(time.Second)))

	if len(entries) == 0 {
		b.WriteString("今日无第二阶段股票")
		return b.String()
	}
	b.WriteString(fmt.Sprintf("🚀 <b>第二阶段 %d 只</b>", st.Advancing))
	if len(entries) < st.Advancing {
		b.WriteString(fmt.Sprintf(" (前%d)", len(entries)))
	}
	b.WriteString("\n")
	for i, e := range entries {
		mark := ""
		if e.BreakoutConfirmed {
			mark = " 🔥"
		}
		b.WriteString(fmt.Sprintf("%d. %s %s %.2f | 均线%.2f | 强度%.2f | 量比%.1f | 第%d周%s\n",
			i+1, e.Code, html.EscapeString(e.Name), e.Price, e.MovingAverage,
			e.TrendStrength, e.VolumeRatio, e.WeeksInAdvancing, mark))
	}
	return b.String()
}

// FormatStageCounts renders the per-stage market statistics on one line.
func FormatStageCounts(counts map[model.Stage]int) string {
	if len(counts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(model.Stages))
	for _, s := range model.Stages {
		parts = append(parts, fmt.Sprintf("%s %d", s.Label(), counts[s]))
	}
	return "阶段分布: " + strings.Join(parts, " | ") + "\n"
}

func formatTally(errs map[string]int) string {
	kinds := []string{
		model.KindInsufficientHistory, model.KindInvalidBarData, model.KindTransientSource,
		model.KindTimeout, model.KindRiskLimitExceeded, model.KindOther,
	}
	var parts []string
	for _, k := range kinds {
		if n := errs[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", k, n))
		}
	}
	return strings.Join(parts, ", ")
}

// FormatSignal formats one trading signal.
func FormatSignal(sig *model.Signal) string {
	var b strings.Builder
	icon := "📌"
	switch sig.Type {
	case model.SignalBuy:
		icon = "🟢"
	case model.SignalAddPosition:
		icon = "➕"
	case model.SignalSell:
		icon = "🔴"
	case model.SignalWatch:
		icon = "👀"
	}
	b.WriteString(fmt.Sprintf("%s <b>%s</b> %s %s\n", icon, sig.Type.Label(), sig.Code, html.EscapeString(sig.Name)))
	b.WriteString(fmt.Sprintf("   价格 %.2f | 30周均线 %.2f | 量比 %.1f\n", sig.Price, sig.MovingAverage, sig.VolumeRatio))
	if sig.StopLoss != nil && sig.PositionSize != nil {
		b.WriteString(fmt.Sprintf("   止损 %.2f | 建议股数 %d\n", *sig.StopLoss, *sig.PositionSize))
	}
	b.WriteString(fmt.Sprintf("   %s\n", html.EscapeString(sig.Reason)))
	return b.String()
}

// FormatSignals formats a batch of signals under one header.
func FormatSignals(signals []*model.Signal) string {
	if len(signals) == 0 {
		return "本次无交易信号"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📣 <b>交易信号 %d 条</b>\n\n", len(signals)))
	for _, s := range signals {
		b.WriteString(FormatSignal(s))
	}
	return b.String()
}

// FormatPersistentStocks formats the instruments that kept appearing in the advancing stage.
func FormatPersistentStocks(rows []model.PersistentStock, minDays, lookback int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📅 <b>持续强势股</b> | 近%d次扫描中至少%d次\n\n", lookback, minDays))
	if len(rows) == 0 {
		b.WriteString("暂无符合条件的股票")
		return b.String()
	}
	for i, r := range rows {
		b.WriteString(fmt.Sprintf("%d. %s %s | 出现%d次 | 均价%.2f | 平均强度%.2f | 最近%s\n",
			i+1, r.Code, html.EscapeString(r.Name), r.AppearanceCount, r.AveragePrice,
			r.AverageTrendStrength, r.LastSeen.Format("01-02")))
	}
	return b.String()
}

// FormatPositions formats the open positions.
func FormatPositions(positions []model.Position) string {
	var b strings.Builder
	b.WriteString("📦 <b>持仓</b>\n\n")
	if len(positions) == 0 {
		b.WriteString("当前空仓")
		return b.String()
	}
	for _, p := range positions {
		b.WriteString(fmt.Sprintf("%s %s | %d股 | 成本%.2f | 止损%.2f | 加仓%d次\n",
			p.Code, html.EscapeString(p.Name), p.Shares, p.CostBasis/float64(max(p.Shares, 1)), p.StopLoss, p.Adds))
	}
	return b.String()
}

// FormatEvaluation formats a single-instrument analysis.
func FormatEvaluation(ev *analyzer.Evaluation) string {
	var b strings.Builder
	r := ev.Result
	name := ev.Instrument.Name
	b.WriteString(fmt.Sprintf("🔍 <b>%s %s</b>\n\n", r.Code, html.EscapeString(name)))
	b.WriteString(fmt.Sprintf("阶段: %s\n", r.Stage.Label()))
	b.WriteString(fmt.Sprintf("收盘: %.2f | 30周均线: %.2f (%+.1f%%)\n", r.Close, r.MA.Value, (r.PriceToMA-1)*100))
	b.WriteString(fmt.Sprintf("均线斜率: %+.2f%% (%s) | 强度%.2f\n", r.MA.Slope*100, r.MA.Direction, r.TrendStrength))
	b.WriteString(fmt.Sprintf("量比: %.1f | 支撑位: %.2f\n", ev.VolumeRatio, r.SupportLevel))
	if r.Stage == model.StageAdvancing {
		b.WriteString(fmt.Sprintf("第二阶段第%d周\n", r.WeeksInAdvancing))
	}
	if ev.Signal != nil {
		b.WriteString("\n")
		b.WriteString(FormatSignal(ev.Signal))
	}
	if ev.SizingErr != nil {
		b.WriteString(fmt.Sprintf("⚠️ 无法计算仓位: %s\n", html.EscapeString(ev.SizingErr.Error())))
	}
	return b.String()
}
