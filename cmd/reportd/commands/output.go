package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/reportd/sym"
)

func statusCell(status string) string {
	return sym.ForStatus(status) + " " + status
}

func timeCell(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func durationCell(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprint(time.Duration(*ms) * time.Millisecond)
}
