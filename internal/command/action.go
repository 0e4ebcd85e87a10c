package command

// Target names a configured chat destination.
type Target string

const (
	TargetProduction Target = "production"
	TargetDev        Target = "dev"
)

// Verb is the draft-action verb shared by every flow's draft menu.
type Verb string

const (
	VerbSend     Verb = "send"
	VerbSchedule Verb = "schedule"
	VerbSelect   Verb = "select"
	VerbCancel   Verb = "cancel"
	VerbEdit     Verb = "edit"
	VerbRegen    Verb = "regen"
	VerbCover    Verb = "cover"
	VerbLinks    Verb = "links"
	VerbBack     Verb = "back"
	VerbRestart  Verb = "restart"
)

// DefaultScheduleMinutes is used when a schedule command carries no interval.
const DefaultScheduleMinutes = 47

// DefaultBulkScheduleMinutes is the batch spacing when a bulk schedule
// command carries no interval.
const DefaultBulkScheduleMinutes = 30

// Schedule interval bounds in minutes.
const (
	MinScheduleMinutes = 1
	MaxScheduleMinutes = 1440
)

// Action is a parsed draft-action command. The same vocabulary is consumed
// by the awaiting_draft_action step of all four flows.
type Action struct {
	Verb            Verb
	Target          Target // send/schedule only
	IntervalMinutes int    // schedule only
	IntervalSet     bool   // schedule only: operator gave an explicit interval
	SelectAll       bool   // select only
	Hint            string // regen only: free-text feedback after the token
}
