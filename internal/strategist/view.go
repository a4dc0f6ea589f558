package strategist

import (
	"encoding/json"
	"fmt"
	"strings"

	"twbot/internal/protocol"
	"twbot/internal/world"
)

// View is the compact observation the advisor sees. Everything else in the
// model stays local.
type View struct {
	Authenticated bool                 `json:"authenticated"`
	Sector        int                  `json:"sector"`
	Ship          ShipView             `json:"ship"`
	CurrentSector *SectorView          `json:"current_sector,omitempty"`
	Adjacent      []int                `json:"adjacent_sectors"`
	KnownPorts    []int                `json:"known_port_sectors"`
	WarpTargets   []int                `json:"valid_warp_targets"`
	LastAction    *LastActionView      `json:"last_action_result,omitempty"`
	Commodities   []protocol.Commodity `json:"legal_commodities"`
	ScannedHere   bool                 `json:"scanned_this_sector"`
	CanTrade      bool                 `json:"can_trade_here"`
}

type ShipView struct {
	Holds     int            `json:"holds"`
	FreeHolds int            `json:"free_holds"`
	Cargo     map[string]int `json:"cargo"`
}

type SectorView struct {
	ID      int  `json:"id"`
	HasPort bool `json:"has_port"`
	PortID  int  `json:"port_id,omitempty"`
}

type LastActionView struct {
	Command string `json:"command"`
	Status  string `json:"status"`
	Error   int    `json:"error_code,omitempty"`
}

// BuildView filters the model down to what the advisor needs.
func BuildView(m *world.Model) View {
	v := View{
		Authenticated: m.Authenticated(),
		Sector:        m.PlayerLocationSector,
		Adjacent:      nonNil(m.Adjacent()),
		KnownPorts:    nonNil(m.KnownPortSectors()),
		WarpTargets:   nonNil(m.WarpTargets()),
		Commodities:   protocol.Commodities,
		ScannedHere:   m.ScannedHere(),
		Ship:          ShipView{Cargo: map[string]int{}},
	}
	if m.Ship != nil {
		v.Ship.Holds = m.Ship.Holds
		v.Ship.FreeHolds = m.FreeHolds()
		for _, c := range m.CargoCommodities() {
			v.Ship.Cargo[string(c)] = m.CargoOf(c)
		}
	}
	if s := m.CurrentSector(); s != nil {
		v.CurrentSector = &SectorView{ID: s.ID, HasPort: m.AtPort()}
		if v.CurrentSector.HasPort {
			v.CurrentSector.PortID = m.CurrentPortID()
		}
	}
	if r := m.LastActionResult; r != nil {
		v.LastAction = &LastActionView{Command: r.Command, Status: r.Status, Error: r.ErrorCode}
	}
	_, v.CanTrade = m.TradablePort()
	return v
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

const promptHeader = `You are the strategist for a space trading bot.
Reply with JSON only, exactly in this shape: {"plan": ["<goal>", ...]}
Allowed goals:
  goto: <sector id>     warp toward a sector (prefer valid_warp_targets)
  scan: density         density scan from the current sector
  buy: <COMMODITY>      buy at the current port (only when can_trade_here)
  sell: <COMMODITY>     sell at the current port (only when can_trade_here)
  combat: attack
  planet: land
  planet: info
Commodities: %s
Keep plans short (1 to 5 goals). No prose, no markdown.
`

// Prompt renders the advisor prompt for v.
func Prompt(v View) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal view: %w", err)
	}
	names := make([]string, 0, len(v.Commodities))
	for _, c := range v.Commodities {
		names = append(names, string(c))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, promptHeader, strings.Join(names, ", "))
	sb.WriteString("World:\n")
	sb.Write(b)
	sb.WriteString("\n")
	return sb.String(), nil
}
