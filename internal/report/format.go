// Package report renders queue snapshots as operator text and posts a
// scheduled daily summary.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"starsagent/internal/queue"
)

// Format renders s as plain text. Relative times are computed against s.At.
func Format(s queue.Snapshot) string {
	var b strings.Builder

	if s.Mode == queue.ModeMonitoring {
		b.WriteString("mode: monitoring (sender unavailable, nothing is sent)\n")
	} else {
		fmt.Fprintf(&b, "mode: active (%s)\n", s.Sender)
	}
	fmt.Fprintf(&b, "queue: %s pending, %s completed, %s failed\n",
		humanize.Comma(int64(s.Counts.Pending)),
		humanize.Comma(int64(s.Counts.Completed)),
		humanize.Comma(int64(s.Counts.Failed)))

	date := s.Today.Date
	if date == "" {
		date = s.At.Format(time.DateOnly)
	}
	fmt.Fprintf(&b, "today %s: sent %s/%s, errors %d\n",
		date,
		humanize.Comma(int64(s.Today.AmountSent)),
		humanize.Comma(int64(s.Limits.DailyLimit)),
		s.Today.ErrorCount)
	fmt.Fprintf(&b, "this hour: %d/%d, per task max %d\n",
		s.Buckets.HourAmount, s.Limits.HourlyLimit, s.Limits.MaxAmountPerTask)

	state := "closed"
	if s.InWindow {
		state = "open"
	}
	fmt.Fprintf(&b, "window %s (%s), spacing %s, delay %s-%s\n",
		s.Window, state, s.MinSpacing, s.DelayMin, s.DelayMax)

	fmt.Fprintf(&b, "last send: %s\n", since(s.Buckets.LastSend, s.At))
	if s.LastResult != "" {
		fmt.Fprintf(&b, "last tick: %s %s", s.LastResult, since(s.LastTick, s.At))
	} else {
		b.WriteString("last tick: never")
	}
	return b.String()
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Daily renders the scheduled summary.
func Daily(s queue.Snapshot) string {
	return "daily summary\n" + Format(s)
}
