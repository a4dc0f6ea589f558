package strategist

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"twbot/internal/planner"
	"twbot/internal/protocol"
	"twbot/internal/world"
)

var goalRe = regexp.MustCompile(`^(goto|buy|sell|scan)\s*:\s*.+$`)

// SurveyGoal is prepended to trade plans while the current port's prices
// are incomplete.
const SurveyGoal = "survey: port"

// Validate keeps only goals the planner can act on from the current state
// and rewrites them canonically. Validate(m, Validate(m, g)) == Validate(m, g).
func Validate(m *world.Model, goals []string) []string {
	_, canTrade := m.TradablePort()
	var out []string
	for _, raw := range goals {
		g := normalize(raw)
		if !goalRe.MatchString(g) {
			continue
		}
		verb, arg, _ := strings.Cut(g, ":")
		verb = strings.TrimSpace(verb)
		arg = strings.TrimSpace(arg)
		switch verb {
		case planner.VerbGoto:
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 || m.WarpBlacklist.Has(n) {
				continue
			}
			out = append(out, "goto: "+strconv.Itoa(n))
		case planner.VerbBuy, planner.VerbSell:
			if !canTrade {
				continue
			}
			for _, part := range strings.Split(arg, ",") {
				if c, ok := protocol.CanonicalCommodity(part); ok {
					out = append(out, verb+": "+string(c))
				}
			}
		case planner.VerbScan:
			if strings.ToLower(arg) != "density" || m.ScannedHere() {
				continue
			}
			out = append(out, "scan: density")
		}
	}
	return collapse(out)
}

func collapse(goals []string) []string {
	out := goals[:0:0]
	for _, g := range goals {
		if n := len(out); n > 0 && out[n-1] == g {
			continue
		}
		out = append(out, g)
	}
	return out
}

// Unbore replaces a leading density scan with a random-neighbour goto when
// the last thing we did was a successful scan.
func Unbore(m *world.Model, goals []string, rng *rand.Rand) []string {
	r := m.LastActionResult
	if len(goals) == 0 || r == nil || r.Command != protocol.CmdDensityScan || r.Status != protocol.StatusOK {
		return goals
	}
	if normalize(goals[0]) != "scan: density" {
		return goals
	}
	out := append([]string(nil), goals[1:]...)
	if targets := m.WarpTargets(); len(targets) > 0 {
		to := targets[rng.Intn(len(targets))]
		out = append([]string{"goto: " + strconv.Itoa(to)}, out...)
	}
	return out
}

// InjectSurvey prepends SurveyGoal to a plan with trade goals when the
// port here has not been fully priced.
func InjectSurvey(m *world.Model, goals []string) []string {
	if len(goals) == 0 || !m.AtPort() || m.SurveyComplete() {
		return goals
	}
	for _, g := range goals {
		if strings.HasPrefix(g, planner.VerbBuy+":") || strings.HasPrefix(g, planner.VerbSell+":") {
			return append([]string{SurveyGoal}, goals...)
		}
	}
	return goals
}
