package chat

import (
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/config"
)

// throttleTick is the resolution of the throttle countdown.
const throttleTick = 250 * time.Millisecond

// Rule is the per-room send limit: at most MaxMessages within Window.
type Rule struct {
	MaxMessages int
	Window      time.Duration
}

var DefaultRule = Rule{MaxMessages: 5, Window: 10 * time.Second}

type Rules interface {
	Rule(room string) Rule
}

type StaticRules struct {
	Default Rule
	Rooms   map[string]Rule
}

func (r StaticRules) Rule(room string) Rule {
	if rule, ok := r.Rooms[room]; ok && rule.MaxMessages > 0 {
		return rule
	}
	if r.Default.MaxMessages > 0 {
		return r.Default
	}
	return DefaultRule
}

func RulesFromConfig(cfg config.ThrottleConfig) StaticRules {
	rules := StaticRules{
		Default: Rule{MaxMessages: cfg.Default.MaxMessages, Window: cfg.Default.Window},
		Rooms:   make(map[string]Rule, len(cfg.Rooms)),
	}
	for room, rc := range cfg.Rooms {
		rules.Rooms[room] = Rule{MaxMessages: rc.MaxMessages, Window: rc.Window}
	}
	return rules
}

// ThrottleState describes an active send block. The zero value means no
// block is in effect.
type ThrottleState struct {
	Until  time.Time
	Limit  int
	Window time.Duration
	// RestoreMessage is the draft that was rejected, kept so the input can
	// be repopulated once the window lifts.
	RestoreMessage string
	Remaining      time.Duration
}

func (t ThrottleState) Active(now time.Time) bool {
	return !t.Until.IsZero() && now.Before(t.Until)
}

// pruneWindow drops timestamps at or before now-window. The input is sorted
// oldest first and the result shares no memory with it.
func pruneWindow(sent []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := make([]time.Time, 0, len(sent)+1)
	for _, ts := range sent {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

// predictThrottle reports whether one more send at now would exceed rule,
// and if so when the oldest retained send leaves the window.
func predictThrottle(sent []time.Time, now time.Time, rule Rule) (time.Time, bool) {
	if len(sent) < rule.MaxMessages || len(sent) == 0 {
		return time.Time{}, false
	}
	return sent[0].Add(rule.Window), true
}
