package history

import (
	"sort"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// Aggregate folds Advancing records into persistent-stock rows. Appearance is
// the number of distinct scan dates; averages run over every record.
func Aggregate(records []model.ScanRecord, minDays int) []model.PersistentStock {
	if minDays <= 0 {
		minDays = 1
	}
	type acc struct {
		row      model.PersistentStock
		dates    map[string]struct{}
		n        int
		price    float64
		strength float64
	}
	byCode := make(map[string]*acc)
	for _, r := range records {
		if r.Stage != model.StageAdvancing {
			continue
		}
		a, ok := byCode[r.Code]
		if !ok {
			a = &acc{row: model.PersistentStock{Code: r.Code}, dates: make(map[string]struct{})}
			byCode[r.Code] = a
		}
		a.dates[dayString(r.ScanDate)] = struct{}{}
		a.n++
		a.price += r.Price
		a.strength += r.TrendStrength
		if !r.ScanDate.Before(a.row.LastSeen) {
			a.row.LastSeen = r.ScanDate
			if r.Name != "" {
				a.row.Name = r.Name
			}
		}
	}

	out := make([]model.PersistentStock, 0, len(byCode))
	for _, a := range byCode {
		if len(a.dates) < minDays {
			continue
		}
		a.row.AppearanceCount = len(a.dates)
		a.row.AveragePrice = a.price / float64(a.n)
		a.row.AverageTrendStrength = a.strength / float64(a.n)
		out = append(out, a.row)
	}
	sortPersistent(out)
	return out
}

func sortPersistent(rows []model.PersistentStock) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].AppearanceCount != rows[j].AppearanceCount {
			return rows[i].AppearanceCount > rows[j].AppearanceCount
		}
		if rows[i].AverageTrendStrength != rows[j].AverageTrendStrength {
			return rows[i].AverageTrendStrength > rows[j].AverageTrendStrength
		}
		return rows[i].Code < rows[j].Code
	})
}

// windowStart returns the oldest of the newest lookback dates (dates sorted descending).
func windowStart(dates []string, lookback int) (string, bool) {
	if len(dates) == 0 {
		return "", false
	}
	if lookback <= 0 || lookback > len(dates) {
		lookback = len(dates)
	}
	return dates[lookback-1], true
}
