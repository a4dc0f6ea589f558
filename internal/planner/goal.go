package planner

import (
	"strconv"
	"strings"
)

// Goal verbs the planner executes.
const (
	VerbGoto   = "goto"
	VerbBuy    = "buy"
	VerbSell   = "sell"
	VerbScan   = "scan"
	VerbSurvey = "survey"
	VerbCombat = "combat"
	VerbPlanet = "planet"
)

// Goal is one "verb: arg" directive.
type Goal struct {
	Verb string
	Arg  string
}

// ParseGoal splits a canonical goal string. It does not validate the
// argument.
func ParseGoal(s string) (Goal, bool) {
	verb, arg, ok := strings.Cut(s, ":")
	if !ok {
		return Goal{}, false
	}
	g := Goal{
		Verb: strings.ToLower(strings.TrimSpace(verb)),
		Arg:  strings.TrimSpace(arg),
	}
	if g.Verb == "" || g.Arg == "" {
		return Goal{}, false
	}
	return g, true
}

func (g Goal) String() string { return g.Verb + ": " + g.Arg }

// Sector is the target of a goto goal.
func (g Goal) Sector() (int, bool) {
	if g.Verb != VerbGoto {
		return 0, false
	}
	n, err := strconv.Atoi(g.Arg)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
