package world

import (
	"sort"
	"time"

	"twbot/internal/protocol"
)

// Named updaters. The reconciler calls these; nothing else mutates a Model.

// MaxBackoff caps the per-command retry delay.
const MaxBackoff = 5 * time.Minute

func (m *Model) SetSession(token string) { m.Session.Token = token }

// ClearSession drops the token and every reply we were still waiting for.
func (m *Model) ClearSession() {
	m.Session.Token = ""
	m.Pending = map[string]CommandRecord{}
}

// UpdatePlayer merges the fields present in p. The player's own sector is
// only adopted while the location is unknown; once a ship GPS fix exists
// it wins.
func (m *Model) UpdatePlayer(p protocol.PlayerData) {
	if m.Player == nil {
		m.Player = &Player{}
	}
	if p.Name != "" {
		m.Player.Name = p.Name
	}
	if p.Credits != nil {
		m.Player.Credits = *p.Credits
	}
	if p.TurnsRemaining != nil {
		m.Player.TurnsRemaining = *p.TurnsRemaining
		m.Player.TurnsKnown = true
	}
	if p.Alignment != nil {
		m.Player.Alignment = *p.Alignment
	}
	// TODO: settle whether player.sector or the ship GPS fix is authoritative.
	if p.Sector > 0 {
		m.Player.SectorID = p.Sector
		if m.PlayerLocationSector == 0 {
			m.PlayerLocationSector = p.Sector
		}
	}
	m.Resync.Player = false
}

func (m *Model) SetCredits(c int64) {
	if m.Player == nil {
		m.Player = &Player{}
	}
	m.Player.Credits = c
}

// UpdateShip applies an authoritative ship snapshot. A simplified cargo
// payload (CargoKnown false) leaves the local lots untouched.
func (m *Model) UpdateShip(s protocol.ShipData, now time.Time) {
	if m.Ship == nil {
		m.Ship = &Ship{}
	}
	if s.ID != 0 {
		m.Ship.ID = s.ID
	}
	if s.Name != "" {
		m.Ship.Name = s.Name
	}
	if s.Holds != nil {
		m.Ship.Holds = *s.Holds
	}
	if s.CargoKnown {
		lots := make([]CargoLot, 0, len(s.Cargo))
		for _, c := range s.Cargo {
			if c.Quantity <= 0 {
				continue
			}
			lots = append(lots, CargoLot{
				Commodity:     c.Commodity,
				Quantity:      c.Quantity,
				PurchasePrice: c.PurchasePrice,
				OriginPortID:  c.OriginPortID,
			})
		}
		m.Ship.Cargo = lots
	}
	if s.DensityScan != nil {
		m.Ship.Modules.DensityScanner = *s.DensityScan
	}
	if s.WarpDrive != nil {
		m.Ship.Modules.WarpDrive = *s.WarpDrive
	}
	if s.SectorID > 0 {
		m.Ship.Location.SectorID = s.SectorID
		m.SetLocation(s.SectorID, now)
	}
	m.Resync.Ship = false
}

// SetLocation moves the player and records the visit.
func (m *Model) SetLocation(sector int, now time.Time) {
	if sector <= 0 {
		return
	}
	prev := m.PlayerLocationSector
	m.PlayerLocationSector = sector
	if m.Ship != nil {
		m.Ship.Location.SectorID = sector
	}
	if m.Player != nil {
		m.Player.SectorID = sector
	}
	if prev != sector {
		m.pushRecent(sector)
		e := m.UniverseMap[sector]
		if e == nil {
			e = &MapEntry{}
			m.UniverseMap[sector] = e
		}
		e.Visits++
		e.LastVisited = now
	}
	if prev != sector && len(m.CurrentPath) > 0 {
		// Landing on a hop consumes the path up to it; landing off-path drops it.
		rest := []int(nil)
		for i, s := range m.CurrentPath {
			if s == sector {
				rest = m.CurrentPath[i+1:]
				break
			}
		}
		if len(rest) == 0 {
			rest = nil
		}
		m.CurrentPath = rest
	}
}

// ClearLocation forgets where we are and asks for a full GPS resync.
func (m *Model) ClearLocation() {
	m.PlayerLocationSector = 0
	m.CurrentPath = nil
	m.Resync = Resync{Player: true, Ship: true}
}

// RequestResync asks for a fresh player snapshot, and a ship one too when
// ship is set.
func (m *Model) RequestResync(ship bool) {
	m.Resync.Player = true
	if ship {
		m.Resync.Ship = true
	}
}

// MarkTurnsStale forgets the turn count until the server reports it again.
func (m *Model) MarkTurnsStale() {
	if m.Player != nil {
		m.Player.TurnsKnown = false
	}
	m.Resync.Player = true
}

func (m *Model) pushRecent(sector int) {
	m.RecentSectors = append(m.RecentSectors, sector)
	if n := len(m.RecentSectors); n > RecentSectorsMax {
		m.RecentSectors = append([]int(nil), m.RecentSectors[n-RecentSectorsMax:]...)
	}
}

// UpdateSector stores a sector.info reply and marks it explored.
func (m *Model) UpdateSector(si protocol.SectorInfo, now time.Time) {
	s := m.Sectors[si.SectorID]
	if s == nil {
		s = &Sector{ID: si.SectorID}
		m.Sectors[si.SectorID] = s
	}
	if si.Name != "" {
		s.Name = si.Name
	}
	adj := make([]int, 0, len(si.Adjacent))
	seen := map[int]bool{}
	for _, a := range si.Adjacent {
		if a > 0 && a != si.SectorID && !seen[a] {
			seen[a] = true
			adj = append(adj, a)
		}
	}
	sort.Ints(adj)
	s.Adjacent = adj
	s.PortIDs = append([]int(nil), si.PortIDs...)
	s.HasPort = si.HasPort
	s.Planets = si.Planets
	s.LastRefreshed = now

	e := m.UniverseMap[si.SectorID]
	if e == nil {
		e = &MapEntry{}
		m.UniverseMap[si.SectorID] = e
	}
	e.Explored = true
}

// UpdatePort stores port details under the sector that hosts it.
func (m *Model) UpdatePort(pd protocol.PortData) {
	sector := pd.SectorID
	if sector <= 0 {
		sector = m.PlayerLocationSector
	}
	if sector <= 0 {
		return
	}
	p := &Port{
		PortID:   pd.PortID,
		SectorID: sector,
		Name:     pd.Name,
		Class:    pd.Class,
	}
	for _, c := range pd.Commodities {
		p.Commodities = append(p.Commodities, PortCommodity{Commodity: c.Commodity, Supply: c.Supply})
	}
	m.Ports[sector] = p
	if s := m.Sectors[sector]; s != nil {
		s.HasPort = true
		if !containsInt(s.PortIDs, pd.PortID) {
			s.PortIDs = append(s.PortIDs, pd.PortID)
		}
	}
}

// UpdateQuote writes both sides of a quote; a nil price clears that side.
func (m *Model) UpdateQuote(q protocol.Quote) {
	if q.PortID <= 0 || !q.Commodity.Valid() {
		return
	}
	p := m.prices(q.PortID)
	p.Buy[q.Commodity] = copyInt(q.BuyPrice)
	p.Sell[q.Commodity] = copyInt(q.SellPrice)
}

func (m *Model) prices(portID int) *Prices {
	p := m.PriceCache[portID]
	if p == nil {
		p = &Prices{}
		m.PriceCache[portID] = p
	}
	if p.Buy == nil {
		p.Buy = map[protocol.Commodity]*int{}
	}
	if p.Sell == nil {
		p.Sell = map[protocol.Commodity]*int{}
	}
	return p
}

// AddLot appends purchased cargo.
func (m *Model) AddLot(lot CargoLot) {
	if lot.Quantity <= 0 {
		return
	}
	if m.Ship == nil {
		m.Ship = &Ship{}
	}
	m.Ship.Cargo = append(m.Ship.Cargo, lot)
}

// SellFIFO removes qty units of c starting with the cheapest lots and
// returns the realized profit against unitPrice and the units removed.
func (m *Model) SellFIFO(c protocol.Commodity, qty, unitPrice int) (int64, int) {
	if m.Ship == nil || qty <= 0 {
		return 0, 0
	}
	idx := make([]int, 0, len(m.Ship.Cargo))
	for i, lot := range m.Ship.Cargo {
		if lot.Commodity == c {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return m.Ship.Cargo[idx[a]].PurchasePrice < m.Ship.Cargo[idx[b]].PurchasePrice
	})
	var profit int64
	removed := 0
	for _, i := range idx {
		if removed == qty {
			break
		}
		lot := &m.Ship.Cargo[i]
		take := lot.Quantity
		if take > qty-removed {
			take = qty - removed
		}
		lot.Quantity -= take
		removed += take
		profit += int64(unitPrice-lot.PurchasePrice) * int64(take)
	}
	kept := m.Ship.Cargo[:0]
	for _, lot := range m.Ship.Cargo {
		if lot.Quantity > 0 {
			kept = append(kept, lot)
		}
	}
	m.Ship.Cargo = kept
	return profit, removed
}

// RecordTrade appends to the bounded trade log and the running total.
func (m *Model) RecordTrade(e TradeEntry) {
	m.TradeLog = append(m.TradeLog, e)
	if n := len(m.TradeLog); n > TradeLogMax {
		m.TradeLog = append([]TradeEntry(nil), m.TradeLog[n-TradeLogMax:]...)
	}
	m.TotalProfit += e.Profit
}

func (m *Model) SetBank(balance int64) { m.BankBalance = balance }

func (m *Model) SetDensity(sector int, readings map[int]int) {
	if sector <= 0 {
		sector = m.PlayerLocationSector
	}
	s := m.Sectors[sector]
	if s == nil {
		return
	}
	s.Density = readings
	m.LastScanSector = sector
}

// AddPending records a sent command under its request id.
func (m *Model) AddPending(rec CommandRecord) { m.Pending[rec.ID] = rec }

// TakePending removes and returns the record answered by replyTo.
func (m *Model) TakePending(replyTo string) (CommandRecord, bool) {
	rec, ok := m.Pending[replyTo]
	if ok {
		delete(m.Pending, replyTo)
	}
	return rec, ok
}

// UnansweredTrades lists pending trade commands, oldest first. They are
// re-sent with their original idempotency key after a reconnect.
func (m *Model) UnansweredTrades() []CommandRecord {
	var out []CommandRecord
	for _, rec := range m.Pending {
		if protocol.IsTradeCommand(rec.Command) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCommand reports whether a command of that name awaits a reply.
func (m *Model) PendingCommand(name string) bool {
	for _, rec := range m.Pending {
		if rec.Command == name {
			return true
		}
	}
	return false
}

// RecordFailure bumps the failure count and schedules the next attempt at
// base*2^(n-1), capped at MaxBackoff. At maxRetries failures the command is
// blacklisted for the rest of the session.
func (m *Model) RecordFailure(command string, now time.Time, base time.Duration, maxRetries int) *RetryInfo {
	r := m.Retry[command]
	if r == nil {
		r = &RetryInfo{}
		m.Retry[command] = r
	}
	r.Failures++
	delay := base
	for i := 1; i < r.Failures && delay < MaxBackoff; i++ {
		delay *= 2
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	r.NextRetry = now.Add(delay)
	if maxRetries > 0 && r.Failures >= maxRetries {
		r.Blacklisted = true
	}
	return r
}

// RecordSuccess resets the failure count. Session blacklisting sticks.
func (m *Model) RecordSuccess(command string) {
	if r := m.Retry[command]; r != nil {
		r.Failures = 0
		r.NextRetry = time.Time{}
	}
}

// CoolingDown is true while a failed command waits for its next retry
// time, blacklisted or not.
func (m *Model) CoolingDown(command string, now time.Time) bool {
	r := m.Retry[command]
	return r != nil && now.Before(r.NextRetry)
}

// CommandAvailable is false while a command cools down or is blacklisted.
func (m *Model) CommandAvailable(command string, now time.Time) bool {
	r := m.Retry[command]
	if r == nil {
		return true
	}
	return !r.Blacklisted && !now.Before(r.NextRetry)
}

func (m *Model) SetLastResult(r ActionResult) { m.LastActionResult = &r }

// SetPlan replaces the goal queue.
func (m *Model) SetPlan(goals []string) { m.Plan = append([]string(nil), goals...) }

// PopGoal drops the head goal when it equals goal.
func (m *Model) PopGoal(goal string) bool {
	if len(m.Plan) == 0 || m.Plan[0] != goal {
		return false
	}
	m.Plan = m.Plan[1:]
	if len(m.Plan) == 0 {
		m.Plan = nil
	}
	return true
}

func (m *Model) ClearPlan() { m.Plan = nil }

func (m *Model) SetPath(path []int) {
	out := make([]int, 0, len(path))
	for _, s := range path {
		if s > 0 && s != m.PlayerLocationSector {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = nil
	}
	m.CurrentPath = out
}

func (m *Model) SetCommandList(names []string) {
	m.KnownCommands = append([]string(nil), names...)
}

func (m *Model) SetCommandSchema(name string, raw []byte) {
	m.CommandSchemas[name] = append([]byte(nil), raw...)
	delete(m.PendingSchemaRequests, name)
}

func (m *Model) RequestSchema(name string) { m.PendingSchemaRequests[name] = struct{}{} }

// FinishSchemaBootstrap ends the schema fetch for this session. Requests
// still unanswered are dropped.
func (m *Model) FinishSchemaBootstrap() {
	m.SchemasBootstrapped = true
	m.PendingSchemaRequests = StringSet{}
}

func (m *Model) BlacklistWarp(sector int) { m.WarpBlacklist[sector] = struct{}{} }
func (m *Model) BlacklistPort(port int)   { m.PortTradeBlacklist[port] = struct{}{} }
func (m *Model) BlacklistSchema(name string) {
	m.SchemaBlacklist[name] = struct{}{}
	delete(m.PendingSchemaRequests, name)
}

// RecordDecision remembers what the planner picked so the reply can credit it.
func (m *Model) RecordDecision(action, contextKey, stage string) {
	m.LastAction = action
	m.LastContextKey = contextKey
	m.LastStage = stage
}

func containsInt(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
