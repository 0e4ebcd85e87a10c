// Package command normalizes raw operator input into a typed intent:
// a slash command, a draft action, a numeric selection, or free text.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind discriminates the parsed input variants.
type Kind int

const (
	// KindSlash is a /command with an optional argument string.
	KindSlash Kind = iota
	// KindAction is a draft-action token (send, schedule, cancel, ...).
	KindAction
	// KindNumeric is a set of positive integers.
	KindNumeric
	// KindFree is anything else.
	KindFree
	// KindInvalid is a recognized command with a bad parameter; the
	// Reason explains it and the owning flow stays in place.
	KindInvalid
)

// Input is the result of parsing one raw text message.
type Input struct {
	Kind    Kind
	Slash   Slash
	Action  Action
	Numbers []int
	Free    string
	Reason  string // valid for KindInvalid
}

// Slash is a parsed /command.
type Slash struct {
	Name string // without the leading slash, lower-cased
	Args string // remainder after the first whitespace, trimmed
}

var numericRe = regexp.MustCompile(`^[\d,\s]+$`)

// Parse classifies raw operator input. It is total: every string maps to
// exactly one variant.
func Parse(raw string) Input {
	text := strings.ToLower(strings.TrimSpace(raw))

	// Rule 1: slash commands.
	if strings.HasPrefix(text, "/") {
		name, args := splitHead(text[1:])
		return Input{Kind: KindSlash, Slash: Slash{Name: name, Args: args}}
	}

	// Rule 2: send and select-all.
	switch text {
	case "yes dev", "y dev":
		return actionInput(Action{Verb: VerbSend, Target: TargetDev})
	case "yes", "y", "ya", "iya":
		return actionInput(Action{Verb: VerbSend, Target: TargetProduction})
	case "all":
		return actionInput(Action{Verb: VerbSelect, SelectAll: true})
	}

	// Rule 3: schedule with optional interval.
	if in, ok := parseSchedule(text); ok {
		return in
	}

	// Rule 4: cancel.
	if text == "cancel" || strings.Contains(text, "batal") || strings.Contains(text, "skip") {
		return actionInput(Action{Verb: VerbCancel})
	}

	// Rule 5: edit.
	if text == "edit" || strings.Contains(text, "ubah") || strings.Contains(text, "ganti") {
		return actionInput(Action{Verb: VerbEdit})
	}

	// Rule 8 exact forms outrank the contains-"ulang" regen rule, or
	// "ulang semua" could never reach restart.
	if text == "restart" || text == "ulang semua" {
		return actionInput(Action{Verb: VerbRestart})
	}

	// Rule 6: regen, optionally carrying free-text feedback ("regen: too long").
	if in, ok := parseRegen(text); ok {
		return in
	}

	// Rule 7: cover and links.
	switch text {
	case "cover":
		return actionInput(Action{Verb: VerbCover})
	case "links", "link":
		return actionInput(Action{Verb: VerbLinks})
	}

	// Rule 8: back.
	switch text {
	case "0", "back", "kembali", "balik":
		return actionInput(Action{Verb: VerbBack})
	}

	// Rule 9: numeric selection.
	if numericRe.MatchString(text) {
		if nums := parseNumbers(text); len(nums) > 0 {
			return Input{Kind: KindNumeric, Numbers: nums}
		}
	}

	// Rule 10: free text. Preserve the original casing for edit bodies.
	return Input{Kind: KindFree, Free: strings.TrimSpace(raw)}
}

func actionInput(a Action) Input {
	return Input{Kind: KindAction, Action: a}
}

// splitHead splits on the first whitespace run.
func splitHead(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}

// parseSchedule recognizes "schedule [dev] [N]" and the Indonesian
// synonyms "antri" and "nanti". Intervals outside [1, 1440] yield
// KindInvalid so the flow can explain and stay in place.
func parseSchedule(text string) (Input, bool) {
	var rest string
	var target Target

	switch {
	case strings.HasPrefix(text, "schedule dev"):
		target = TargetDev
		rest = strings.TrimSpace(text[len("schedule dev"):])
	case strings.HasPrefix(text, "schedule"):
		target = TargetProduction
		rest = strings.TrimSpace(text[len("schedule"):])
	case strings.HasPrefix(text, "antri"):
		target = TargetProduction
		rest = strings.TrimSpace(text[len("antri"):])
	case strings.HasPrefix(text, "nanti"):
		target = TargetProduction
		rest = strings.TrimSpace(text[len("nanti"):])
	default:
		return Input{}, false
	}

	minutes := DefaultScheduleMinutes
	explicit := rest != ""
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Input{
				Kind:   KindInvalid,
				Reason: fmt.Sprintf("interval %q is not a whole number of minutes", rest),
			}, true
		}
		if n < MinScheduleMinutes || n > MaxScheduleMinutes {
			return Input{
				Kind:   KindInvalid,
				Reason: fmt.Sprintf("interval must be between %d and %d minutes, got %d", MinScheduleMinutes, MaxScheduleMinutes, n),
			}, true
		}
		minutes = n
	}

	return actionInput(Action{Verb: VerbSchedule, Target: target, IntervalMinutes: minutes, IntervalSet: explicit}), true
}

// parseRegen recognizes "regen", "regen: <hint>", and inputs containing
// "ulang". The hint travels verbatim to the AI user_edit parameter.
func parseRegen(text string) (Input, bool) {
	if strings.HasPrefix(text, "regen") {
		hint := strings.TrimSpace(strings.TrimPrefix(text[len("regen"):], ":"))
		return actionInput(Action{Verb: VerbRegen, Hint: hint}), true
	}
	if strings.Contains(text, "ulang") {
		return actionInput(Action{Verb: VerbRegen}), true
	}
	return Input{}, false
}

// parseNumbers splits on commas and whitespace, keeps positive integers,
// and deduplicates preserving first-seen order.
func parseNumbers(text string) []int {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	seen := make(map[int]bool)
	var nums []int
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		nums = append(nums, n)
	}
	return nums
}

// AsLevel reports whether a numeric selection is exactly one of the three
// copywriting levels.
func AsLevel(numbers []int) (int, bool) {
	if len(numbers) != 1 {
		return 0, false
	}
	if n := numbers[0]; n >= 1 && n <= 3 {
		return n, true
	}
	return 0, false
}
