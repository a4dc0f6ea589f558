package world

import (
	"fmt"
	"sort"

	"twbot/internal/protocol"
)

// Validate lists every broken state invariant. An empty result means the
// model is consistent. Violations are reported, never repaired here.
func (m *Model) Validate() []string {
	var out []string
	if m.Ship != nil {
		total := 0
		for i, lot := range m.Ship.Cargo {
			if lot.Quantity < 0 {
				out = append(out, fmt.Sprintf("cargo lot %d has negative quantity %d", i, lot.Quantity))
			}
			if !lot.Commodity.Valid() {
				out = append(out, fmt.Sprintf("cargo lot %d has unknown commodity %q", i, lot.Commodity))
			}
			total += lot.Quantity
		}
		if m.Ship.Holds < 0 {
			out = append(out, fmt.Sprintf("ship holds negative: %d", m.Ship.Holds))
		}
		if total > m.Ship.Holds {
			out = append(out, fmt.Sprintf("cargo %d exceeds holds %d", total, m.Ship.Holds))
		}
	}
	if m.Player != nil {
		if m.Player.Credits < 0 {
			out = append(out, fmt.Sprintf("negative credits: %d", m.Player.Credits))
		}
		if m.Player.TurnsRemaining < 0 {
			out = append(out, fmt.Sprintf("negative turns: %d", m.Player.TurnsRemaining))
		}
	}
	if m.BankBalance < 0 {
		out = append(out, fmt.Sprintf("negative bank balance: %d", m.BankBalance))
	}
	if m.PlayerLocationSector < 0 {
		out = append(out, fmt.Sprintf("invalid sector id: %d", m.PlayerLocationSector))
	}
	ports := make([]int, 0, len(m.PriceCache))
	for id := range m.PriceCache {
		ports = append(ports, id)
	}
	sort.Ints(ports)
	for _, id := range ports {
		p := m.PriceCache[id]
		if p == nil {
			continue
		}
		out = append(out, checkPrices(id, "buy", p.Buy)...)
		out = append(out, checkPrices(id, "sell", p.Sell)...)
	}
	return out
}

func checkPrices(port int, side string, prices map[protocol.Commodity]*int) []string {
	var out []string
	names := make([]string, 0, len(prices))
	for c := range prices {
		names = append(names, string(c))
	}
	sort.Strings(names)
	for _, name := range names {
		c := protocol.Commodity(name)
		if !c.Valid() {
			out = append(out, fmt.Sprintf("price cache port %d %s has unknown commodity %q", port, side, name))
		}
		if v := prices[c]; v != nil && *v < 0 {
			out = append(out, fmt.Sprintf("price cache port %d %s %s negative: %d", port, side, name, *v))
		}
	}
	return out
}
