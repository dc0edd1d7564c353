package model

import "time"

// ScanFilter controls which instruments a scan evaluates.
type ScanFilter struct {
	ExcludeST   bool `json:"exclude_st" yaml:"exclude_st"`
	ExcludeGEM  bool `json:"exclude_gem" yaml:"exclude_gem"`
	ExcludeSTAR bool `json:"exclude_star" yaml:"exclude_star"`
	ExcludeBSE  bool `json:"exclude_bse" yaml:"exclude_bse"`
}

// DefaultScanFilter lets only main-board, non-ST instruments through.
func DefaultScanFilter() ScanFilter {
	return ScanFilter{ExcludeST: true, ExcludeGEM: true, ExcludeSTAR: true, ExcludeBSE: true}
}

// ScanEntry is one Advancing instrument in a snapshot.
type ScanEntry struct {
	Code              string  `json:"code" db:"code"`
	Name              string  `json:"name" db:"name"`
	Stage             Stage   `json:"stage" db:"stage"`
	Price             float64 `json:"price" db:"price"`
	MovingAverage     float64 `json:"moving_average" db:"moving_average"`
	TrendStrength     float64 `json:"trend_strength" db:"trend_strength"`
	VolumeRatio       float64 `json:"volume_ratio" db:"volume_ratio"`
	WeeksInAdvancing  int     `json:"weeks_in_advancing" db:"weeks_in_advancing"`
	BreakoutConfirmed bool    `json:"breakout_confirmed" db:"breakout_confirmed"`
}

// ScanStats is the metadata of one scan execution.
type ScanStats struct {
	Universe    int            `json:"universe"`
	Eligible    int            `json:"eligible"`
	Evaluated   int            `json:"evaluated"`
	Advancing   int            `json:"advancing"`
	StageCounts map[Stage]int  `json:"stage_counts"`
	Errors      map[string]int `json:"errors"`
	Duration    time.Duration  `json:"duration"`
}

// ErrorCount returns the total number of tallied errors.
func (s ScanStats) ErrorCount() int {
	n := 0
	for _, c := range s.Errors {
		n += c
	}
	return n
}

// ScanSnapshot is the write-once result of one scan.
type ScanSnapshot struct {
	BatchID   string
	ScanDate  time.Time
	CreatedAt time.Time
	Filter    ScanFilter
	Entries   []ScanEntry
	Stats     ScanStats
}

// ScanRecord is a stored entry together with the snapshot it belongs to.
type ScanRecord struct {
	ScanEntry
	BatchID  string
	ScanDate time.Time
}

// PersistentStock aggregates how often an instrument stayed Advancing.
type PersistentStock struct {
	Code                 string
	Name                 string
	AppearanceCount      int
	AveragePrice         float64
	AverageTrendStrength float64
	LastSeen             time.Time
}

// ScanDay truncates t to its calendar day in t's location.
func ScanDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
