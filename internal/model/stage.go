package model

import "time"

// Stage is the Weinstein trend stage of an instrument.
type Stage string

const (
	StageUnknown   Stage = ""
	StageBottoming Stage = "BOTTOMING"
	StageAdvancing Stage = "ADVANCING"
	StageTopping   Stage = "TOPPING"
	StageDeclining Stage = "DECLINING"
)

// Stages lists the four stages in cycle order.
var Stages = []Stage{StageBottoming, StageAdvancing, StageTopping, StageDeclining}

// Label returns the display name used in reports.
func (s Stage) Label() string {
	switch s {
	case StageBottoming:
		return "第一阶段(筑底)"
	case StageAdvancing:
		return "第二阶段(上升)"
	case StageTopping:
		return "第三阶段(做顶)"
	case StageDeclining:
		return "第四阶段(下跌)"
	default:
		return "未知"
	}
}

// Direction is the moving-average direction after the slope deadband.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// MovingAverageState is the MA at the latest bar and the bar before it.
type MovingAverageState struct {
	Value      float64
	PriorValue float64
	Slope      float64 // (Value - PriorValue) / PriorValue
	Direction  Direction
}

// Continuity is the cross-evaluation state of one instrument.
// It is owned by the caller and passed into the classifier.
type Continuity struct {
	Code             string    `json:"code"`
	Stage            Stage     `json:"stage"`
	Direction        Direction `json:"direction"`
	WeeksInAdvancing int       `json:"weeks_in_advancing"`
	BarTime          time.Time `json:"bar_time"`
}
