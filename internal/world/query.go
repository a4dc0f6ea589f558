package world

import (
	"sort"

	"twbot/internal/protocol"
)

func (m *Model) Authenticated() bool { return m.Session.Token != "" }

// CurrentSector is nil when the location is unknown or not yet cached.
func (m *Model) CurrentSector() *Sector {
	if m.PlayerLocationSector <= 0 {
		return nil
	}
	return m.Sectors[m.PlayerLocationSector]
}

func (m *Model) Adjacent() []int {
	s := m.CurrentSector()
	if s == nil {
		return nil
	}
	return s.Adjacent
}

// WarpTargets are the neighbours not on the warp blacklist.
func (m *Model) WarpTargets() []int {
	var out []int
	for _, a := range m.Adjacent() {
		if !m.WarpBlacklist.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *Model) Explored(sector int) bool {
	e := m.UniverseMap[sector]
	return e != nil && e.Explored
}

func (m *Model) UnexploredNeighbors() []int {
	var out []int
	for _, a := range m.WarpTargets() {
		if !m.Explored(a) {
			out = append(out, a)
		}
	}
	return out
}

// AtPort reports whether the current sector hosts a port.
func (m *Model) AtPort() bool {
	if m.Ports[m.PlayerLocationSector] != nil {
		return true
	}
	s := m.CurrentSector()
	return s != nil && s.HasPort
}

func (m *Model) CurrentPort() *Port { return m.Ports[m.PlayerLocationSector] }

// CurrentPortID falls back to the first port listed by sector.info.
func (m *Model) CurrentPortID() int {
	if p := m.CurrentPort(); p != nil && p.PortID > 0 {
		return p.PortID
	}
	if s := m.CurrentSector(); s != nil && len(s.PortIDs) > 0 {
		return s.PortIDs[0]
	}
	return 0
}

// TradablePort is the current port id unless it is trade-blacklisted.
func (m *Model) TradablePort() (int, bool) {
	if !m.AtPort() {
		return 0, false
	}
	id := m.CurrentPortID()
	if id <= 0 || m.PortTradeBlacklist.Has(id) {
		return 0, false
	}
	return id, true
}

func (m *Model) Credits() int64 {
	if m.Player == nil {
		return 0
	}
	return m.Player.Credits
}

// OutOfTurns is true only once the server has reported zero turns left.
func (m *Model) OutOfTurns() bool {
	return m.Player != nil && m.Player.TurnsKnown && m.Player.TurnsRemaining <= 0
}

func (m *Model) CargoTotal() int {
	if m.Ship == nil {
		return 0
	}
	total := 0
	for _, lot := range m.Ship.Cargo {
		total += lot.Quantity
	}
	return total
}

func (m *Model) FreeHolds() int {
	if m.Ship == nil {
		return 0
	}
	if free := m.Ship.Holds - m.CargoTotal(); free > 0 {
		return free
	}
	return 0
}

func (m *Model) CargoOf(c protocol.Commodity) int {
	if m.Ship == nil {
		return 0
	}
	n := 0
	for _, lot := range m.Ship.Cargo {
		if lot.Commodity == c {
			n += lot.Quantity
		}
	}
	return n
}

// CargoCommodities lists held commodities in canonical order.
func (m *Model) CargoCommodities() []protocol.Commodity {
	var out []protocol.Commodity
	for _, c := range protocol.Commodities {
		if m.CargoOf(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (m *Model) BuyPrice(portID int, c protocol.Commodity) (int, bool) {
	p := m.PriceCache[portID]
	if p == nil || p.Buy[c] == nil {
		return 0, false
	}
	return *p.Buy[c], true
}

func (m *Model) SellPrice(portID int, c protocol.Commodity) (int, bool) {
	p := m.PriceCache[portID]
	if p == nil || p.Sell[c] == nil {
		return 0, false
	}
	return *p.Sell[c], true
}

// PortCommodities is what the current port lists, in canonical order.
func (m *Model) PortCommodities() []protocol.Commodity {
	p := m.CurrentPort()
	if p == nil {
		return nil
	}
	listed := map[protocol.Commodity]bool{}
	for _, c := range p.Commodities {
		listed[c.Commodity] = true
	}
	var out []protocol.Commodity
	for _, c := range protocol.Commodities {
		if listed[c] {
			out = append(out, c)
		}
	}
	return out
}

// SurveyComplete holds when port info is known and every listed commodity
// has at least one cached price.
func (m *Model) SurveyComplete() bool {
	p := m.CurrentPort()
	if p == nil {
		return false
	}
	id := m.CurrentPortID()
	for _, c := range m.PortCommodities() {
		_, buy := m.BuyPrice(id, c)
		_, sell := m.SellPrice(id, c)
		if !buy && !sell {
			return false
		}
	}
	return true
}

// UnpricedCommodities lists port commodities with no cached price yet.
func (m *Model) UnpricedCommodities() []protocol.Commodity {
	id := m.CurrentPortID()
	var out []protocol.Commodity
	for _, c := range m.PortCommodities() {
		_, buy := m.BuyPrice(id, c)
		_, sell := m.SellPrice(id, c)
		if !buy && !sell {
			out = append(out, c)
		}
	}
	return out
}

// BestSell picks the held commodity with the highest known sell price here.
func (m *Model) BestSell() (protocol.Commodity, int, bool) {
	id, ok := m.TradablePort()
	if !ok {
		return "", 0, false
	}
	var (
		best  protocol.Commodity
		price int
		found bool
	)
	for _, c := range m.CargoCommodities() {
		if p, ok := m.SellPrice(id, c); ok && (!found || p > price) {
			best, price, found = c, p, true
		}
	}
	return best, price, found
}

// CheapestBuy picks the lowest known buy price at the current port that the
// player can afford at least one unit of.
func (m *Model) CheapestBuy() (protocol.Commodity, int, bool) {
	id, ok := m.TradablePort()
	if !ok || m.FreeHolds() == 0 {
		return "", 0, false
	}
	var (
		best  protocol.Commodity
		price int
		found bool
	)
	for _, c := range protocol.Commodities {
		p, ok := m.BuyPrice(id, c)
		if !ok || p <= 0 {
			continue
		}
		if !found || p < price {
			best, price, found = c, p, true
		}
	}
	if !found || m.Credits() <= int64(price) {
		return "", 0, false
	}
	return best, price, true
}

func (m *Model) CanSellAny() bool {
	_, _, ok := m.BestSell()
	return ok
}

func (m *Model) CanBuyAny() bool {
	_, _, ok := m.CheapestBuy()
	return ok
}

// ScannedHere reports a density scan already made from this sector.
func (m *Model) ScannedHere() bool {
	return m.PlayerLocationSector > 0 && m.LastScanSector == m.PlayerLocationSector
}

// KnownPortSectors lists sectors with a known port, ascending.
func (m *Model) KnownPortSectors() []int {
	seen := map[int]bool{}
	for sector := range m.Ports {
		seen[sector] = true
	}
	for id, s := range m.Sectors {
		if s.HasPort {
			seen[id] = true
		}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Pathfind does a breadth-first search over cached adjacency, avoiding
// blacklisted warps. The result excludes from and includes to.
func (m *Model) Pathfind(from, to int) []int {
	if from == to || from <= 0 || to <= 0 {
		return nil
	}
	prev := map[int]int{from: 0}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		s := m.Sectors[cur]
		if s == nil {
			continue
		}
		for _, n := range s.Adjacent {
			if _, seen := prev[n]; seen || m.WarpBlacklist.Has(n) {
				continue
			}
			prev[n] = cur
			if n == to {
				var path []int
				for at := to; at != from; at = prev[at] {
					path = append([]int{at}, path...)
				}
				return path
			}
			queue = append(queue, n)
		}
	}
	return nil
}
