package timeline

import (
	"fmt"
	"time"
)

const labelSeparator = " • "

// FormatDuration renders elapsed time as "1h 2m 3s", "2m 3s" or "3s".
// Anything under one second renders as "<1s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Label is the display name, with the elapsed time appended once the record
// has both a start and a finish time.
func Label(r Record) string {
	if r.StartTime == nil || r.FinishTime == nil {
		return r.Name
	}
	return r.Name + labelSeparator + FormatDuration(r.FinishTime.Sub(*r.StartTime))
}
