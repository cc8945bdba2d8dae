package keytemplate

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// SessionToken is the placeholder replaced with the session id.
const SessionToken = "{session_id}"

// ResolvedKey is the destination of one upload before conflict resolution.
type ResolvedKey struct {
	Prefix   string
	FinalKey string
}

type renderFunc func(t time.Time, sessionID string) string

var tokens = map[string]renderFunc{
	"Y": func(t time.Time, _ string) string { return fmt.Sprintf("%04d", t.Year()) },
	"y": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", t.Year()%100) },
	"m": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", int(t.Month())) },
	"d": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", t.Day()) },
	"H": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", t.Hour()) },
	"M": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", t.Minute()) },
	"S": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", t.Second()) },
	"j": func(t time.Time, _ string) string { return fmt.Sprintf("%03d", t.YearDay()) },
	"U": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", weekSundayFirst(t)) },
	"W": func(t time.Time, _ string) string { return fmt.Sprintf("%02d", weekMondayFirst(t)) },
	"V": func(t time.Time, _ string) string {
		_, w := t.ISOWeek()

		return fmt.Sprintf("%02d", w)
	},
	"w": func(t time.Time, _ string) string { return fmt.Sprintf("%d", int(t.Weekday())) },
	"B": func(t time.Time, _ string) string { return t.Month().String() },
	"b": func(t time.Time, _ string) string { return t.Month().String()[:3] },
	"A": func(t time.Time, _ string) string { return t.Weekday().String() },
	"a": func(t time.Time, _ string) string { return t.Weekday().String()[:3] },
	"session_id": func(_ time.Time, sessionID string) string {
		return sessionID
	},
}

// ExpandPrefix renders tmpl at time t. It never fails: unknown tokens and
// unbalanced braces are left as written.
func ExpandPrefix(tmpl string, t time.Time, sessionID string) string {
	var b strings.Builder

	b.Grow(len(tmpl) + 16)

	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			b.WriteByte(tmpl[i])
			i++

			continue
		}

		end := strings.IndexByte(tmpl[i+1:], '}')
		if end < 0 {
			b.WriteString(tmpl[i:])

			break
		}

		name := tmpl[i+1 : i+1+end]

		render, ok := tokens[name]
		if !ok {
			// Emit the brace and keep scanning so that "{{Y}" still
			// expands the inner token.
			b.WriteByte('{')
			i++

			continue
		}

		b.WriteString(render(t, sessionID))
		i += end + 2
	}

	return b.String()
}

// Resolve builds the destination key for relPath. relPath may use the host
// separator; the result always uses forward slashes.
func Resolve(tmpl, relPath string, t time.Time, sessionID string) ResolvedKey {
	prefix := strings.Trim(ExpandPrefix(tmpl, t, sessionID), "/")
	rel := strings.TrimLeft(ToKeyPath(relPath), "/")

	if prefix == "" {
		return ResolvedKey{FinalKey: rel}
	}

	return ResolvedKey{
		Prefix:   prefix,
		FinalKey: path.Join(prefix, rel),
	}
}

// ToKeyPath converts a host path to a forward-slash key path. Backslashes are
// converted as well so paths produced on Windows hosts stay POSIX-style.
func ToKeyPath(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}

// UsesSession reports whether tmpl opts in to the session segment.
func UsesSession(tmpl string) bool {
	return strings.Contains(tmpl, SessionToken)
}

// weekSundayFirst matches strftime %U: days before the first Sunday are week 0.
func weekSundayFirst(t time.Time) int {
	yday := t.YearDay() - 1

	return (yday + 7 - int(t.Weekday())) / 7
}

// weekMondayFirst matches strftime %W: days before the first Monday are week 0.
func weekMondayFirst(t time.Time) int {
	yday := t.YearDay() - 1
	wday := (int(t.Weekday()) + 6) % 7

	return (yday + 7 - wday) / 7
}
