package models

import "time"

// Flag is the Y/N completion marker stored in every state table.
type Flag string

const (
	FlagNo  Flag = "N"
	FlagYes Flag = "Y"
)

func (f Flag) Done() bool { return f == FlagYes }

// Millis is the timestamp encoding used by all state tables, so staleness
// filters can compare numbers.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
