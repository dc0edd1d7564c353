package scanner

import "github.com/oficcejo/stock-ma30/internal/model"

// Eligible reports whether inst passes the scan filter. Indexes, B-shares,
// funds and other non A-share codes never do.
func Eligible(inst model.Instrument, f model.ScanFilter) bool {
	switch inst.ResolvedBoard() {
	case model.BoardIndex, model.BoardOther:
		return false
	case model.BoardGEM:
		if f.ExcludeGEM {
			return false
		}
	case model.BoardSTAR:
		if f.ExcludeSTAR {
			return false
		}
	case model.BoardBSE:
		if f.ExcludeBSE {
			return false
		}
	}
	if f.ExcludeST && inst.IsSpecialTreatment() {
		return false
	}
	return true
}

// Filter returns the instruments that pass f, preserving order.
func Filter(universe []model.Instrument, f model.ScanFilter) []model.Instrument {
	out := make([]model.Instrument, 0, len(universe))
	for _, inst := range universe {
		if Eligible(inst, f) {
			out = append(out, inst)
		}
	}
	return out
}
