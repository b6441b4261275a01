package webui

import (
	"fmt"
	"html/template"
	"strings"
	"time"
)

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"add":            func(i, j int) int { return i + j },
		"sub":            func(i, j int) int { return i - j },
		"mod":            func(i, j int) bool { return i%j == 0 },
		"contains":       strings.Contains,
		"shortHex":       shortHex,
		"formatTimeDiff": formatTimeDiff,
		"now":            func() int64 { return time.Now().Unix() },
	}
}

// shortHex abbreviates long hex identifiers for table cells.
func shortHex(s string) string {
	if len(s) <= 18 {
		return s
	}
	return s[:10] + ".." + s[len(s)-6:]
}

func formatTimeDiff(ts time.Time) template.HTML {
	if ts.IsZero() {
		return template.HTML("<span class=\"text-muted\">never</span>")
	}

	duration := time.Since(ts)
	absDuration := duration.Abs()

	var timeStr string

	switch {
	case absDuration < 1*time.Second:
		return template.HTML("now")
	case absDuration < 60*time.Second:
		timeStr = fmt.Sprintf("%v sec", uint(absDuration.Seconds()))
	case absDuration < 60*time.Minute:
		timeStr = fmt.Sprintf("%v min", uint(absDuration.Minutes()))
	case absDuration < 24*time.Hour:
		timeStr = fmt.Sprintf("%v hr", uint(absDuration.Hours()))
	default:
		timeStr = fmt.Sprintf("%v days", uint(absDuration.Hours()/24))
	}

	if duration < 0 {
		return template.HTML(fmt.Sprintf("in %v", timeStr))
	}

	return template.HTML(fmt.Sprintf("%v ago", timeStr))
}
