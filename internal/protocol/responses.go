package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is one decoded server payload. Unknown types decode to Unknown.
type Response interface {
	ResponseType() string
}

type AuthSession struct {
	Token  string
	Player *PlayerData
	Ship   *ShipData
}

type PlayerInfo struct {
	Player PlayerData
	Ship   *ShipData
}

type ShipInfo struct {
	Ship ShipData
}

type MoveResult struct {
	ToSectorID int
}

type MovePath struct {
	Path []int
}

type SectorInfo struct {
	SectorID int
	Name     string
	Adjacent []int
	PortIDs  []int
	HasPort  bool
	Planets  []json.RawMessage
}

type PortInfo struct {
	Port PortData
}

type Quote struct {
	PortID    int
	Commodity Commodity
	Quantity  int
	BuyPrice  *int
	SellPrice *int
}

type TradeReceipt struct {
	Sell             bool
	PortID           int
	Lines            []TradeLine
	CreditsRemaining *int64
	IdempotencyKey   string
}

type TradeLine struct {
	Commodity    Commodity
	Units        int
	PricePerUnit int
}

type BankBalance struct {
	Balance int64
}

type DensityScan struct {
	SectorID int
	Readings map[int]int
}

type CommandList struct {
	Names []string
}

type Schema struct {
	Name   string
	Schema json.RawMessage
}

type Notice struct {
	Type    string
	Message string
}

type Pong struct{}

type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (AuthSession) ResponseType() string { return TypeAuthSession }
func (PlayerInfo) ResponseType() string  { return TypePlayerInfo }
func (ShipInfo) ResponseType() string    { return TypeShipInfo }
func (MoveResult) ResponseType() string  { return TypeMoveResult }
func (MovePath) ResponseType() string    { return TypeMovePath }
func (SectorInfo) ResponseType() string  { return TypeSectorInfo }
func (PortInfo) ResponseType() string    { return TypePortInfo }
func (Quote) ResponseType() string       { return TypeQuote }
func (BankBalance) ResponseType() string { return TypeBankBalance }
func (DensityScan) ResponseType() string { return TypeDensityScan }
func (CommandList) ResponseType() string { return TypeCmdList }
func (Schema) ResponseType() string      { return TypeSchema }
func (Pong) ResponseType() string        { return TypePong }
func (n Notice) ResponseType() string    { return n.Type }
func (u Unknown) ResponseType() string   { return u.Type }
func (r TradeReceipt) ResponseType() string {
	if r.Sell {
		return TypeSellReceipt
	}
	return TypeBuyReceipt
}

// PlayerData is the merged view of the player object; nil fields were absent.
type PlayerData struct {
	Name           string
	Credits        *int64
	TurnsRemaining *int
	Alignment      *int
	Sector         int
}

// ShipData is the ship object. CargoKnown is false when the server sent the
// simplified list-of-strings cargo form, which must not replace local lots.
type ShipData struct {
	ID          int
	Name        string
	Holds       *int
	SectorID    int
	Cargo       []CargoLine
	CargoKnown  bool
	DensityScan *bool
	WarpDrive   *bool
	ModulesRaw  json.RawMessage
}

// CargoLine is one lot as the server reports it. Flat commodity->quantity
// maps produce lines with zero purchase price and origin.
type CargoLine struct {
	Commodity     Commodity
	Quantity      int
	PurchasePrice int
	OriginPortID  int
}

type PortData struct {
	PortID      int
	SectorID    int
	Name        string
	Class       string
	Commodities []PortCommodity
}

type PortCommodity struct {
	Commodity Commodity
	Supply    int
}

// Decode turns a successful envelope into its typed variant.
func Decode(env ServerEnvelope) (Response, error) {
	t := NormalizeType(env.Type)
	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage(`{}`)
	}
	switch t {
	case TypeAuthSession:
		return decodeAuthSession(data)
	case TypePlayerInfo, TypePlayerMyInfo:
		return decodePlayerInfo(data)
	case TypeShipInfo, TypeShipStatus, TypeShipClaimed:
		var w struct {
			Ship json.RawMessage `json:"ship"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		raw := w.Ship
		if len(raw) == 0 {
			raw = data
		}
		s, err := decodeShip(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		return ShipInfo{Ship: s}, nil
	case TypeMoveResult:
		var w struct {
			ToSectorID    *int `json:"to_sector_id"`
			CurrentSector *int `json:"current_sector"`
			SectorID      *int `json:"sector_id"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		to := firstInt(w.ToSectorID, w.CurrentSector, w.SectorID)
		if to <= 0 {
			return nil, fmt.Errorf("%s: missing to_sector_id", t)
		}
		return MoveResult{ToSectorID: to}, nil
	case TypeMovePath:
		var w struct {
			Path  []int `json:"path"`
			Steps []int `json:"steps"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		if len(w.Path) == 0 {
			w.Path = w.Steps
		}
		return MovePath{Path: w.Path}, nil
	case TypeSectorInfo:
		return decodeSector(data)
	case TypePortInfo:
		return decodePortInfo(data)
	case TypeQuote:
		return decodeQuote(data)
	case TypeBuyReceipt, TypeSellReceipt:
		return decodeReceipt(data, t == TypeSellReceipt)
	case TypeBankBalance:
		var w struct {
			Balance *int64 `json:"balance"`
			Amount  *int64 `json:"amount"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		switch {
		case w.Balance != nil:
			return BankBalance{Balance: *w.Balance}, nil
		case w.Amount != nil:
			return BankBalance{Balance: *w.Amount}, nil
		}
		return nil, fmt.Errorf("%s: missing balance", t)
	case TypeDensityScan:
		return decodeDensity(data)
	case TypeCmdList:
		return decodeCmdList(data)
	case TypeSchema:
		var w struct {
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		return Schema{Name: w.Name, Schema: w.Schema}, nil
	case TypePong:
		return Pong{}, nil
	case TypeSystemNotice, TypePlayerEntered:
		var w struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &w)
		return Notice{Type: t, Message: w.Message}, nil
	}
	return Unknown{Type: t, Raw: append(json.RawMessage(nil), data...)}, nil
}

type playerWire struct {
	Name           string `json:"name"`
	Username       string `json:"username"`
	Credits        *int64 `json:"credits"`
	TurnsRemaining *int   `json:"turns_remaining"`
	Turns          *int   `json:"turns"`
	Alignment      *int   `json:"alignment"`
	Sector         *int   `json:"sector"`
	SectorID       *int   `json:"sector_id"`
}

func (w playerWire) data() PlayerData {
	p := PlayerData{
		Name:           w.Name,
		Credits:        w.Credits,
		TurnsRemaining: w.TurnsRemaining,
		Alignment:      w.Alignment,
		Sector:         firstInt(w.Sector, w.SectorID),
	}
	if p.Name == "" {
		p.Name = w.Username
	}
	if p.TurnsRemaining == nil {
		p.TurnsRemaining = w.Turns
	}
	return p
}

func decodeAuthSession(data json.RawMessage) (Response, error) {
	var w struct {
		SessionToken string          `json:"session_token"`
		Session      string          `json:"session"`
		Token        string          `json:"token"`
		Player       *playerWire     `json:"player"`
		Ship         json.RawMessage `json:"ship"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypeAuthSession, err)
	}
	out := AuthSession{Token: firstString(w.SessionToken, w.Session, w.Token)}
	if out.Token == "" {
		return nil, fmt.Errorf("%s: missing session_token", TypeAuthSession)
	}
	if w.Player != nil {
		p := w.Player.data()
		out.Player = &p
	}
	if len(w.Ship) > 0 && string(w.Ship) != "null" {
		s, err := decodeShip(w.Ship)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TypeAuthSession, err)
		}
		out.Ship = &s
	}
	return out, nil
}

func decodePlayerInfo(data json.RawMessage) (Response, error) {
	var w struct {
		Player *playerWire     `json:"player"`
		Ship   json.RawMessage `json:"ship"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypePlayerInfo, err)
	}
	if w.Player == nil {
		var flat playerWire
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("%s: %w", TypePlayerInfo, err)
		}
		w.Player = &flat
	}
	out := PlayerInfo{Player: w.Player.data()}
	if len(w.Ship) > 0 && string(w.Ship) != "null" {
		s, err := decodeShip(w.Ship)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TypePlayerInfo, err)
		}
		out.Ship = &s
	}
	return out, nil
}

func decodeShip(raw json.RawMessage) (ShipData, error) {
	var w struct {
		ID       *int            `json:"id"`
		ShipID   *int            `json:"ship_id"`
		Name     string          `json:"name"`
		Holds    *int            `json:"holds"`
		Cargo    json.RawMessage `json:"cargo"`
		SectorID *int            `json:"sector_id"`
		Location *struct {
			SectorID *int `json:"sector_id"`
		} `json:"location"`
		Modules json.RawMessage `json:"modules"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return ShipData{}, err
	}
	s := ShipData{
		ID:         firstInt(w.ID, w.ShipID),
		Name:       w.Name,
		Holds:      w.Holds,
		ModulesRaw: w.Modules,
	}
	if w.Location != nil {
		s.SectorID = firstInt(w.Location.SectorID)
	}
	if s.SectorID == 0 {
		s.SectorID = firstInt(w.SectorID)
	}
	lines, known, err := decodeCargo(w.Cargo)
	if err != nil {
		return ShipData{}, fmt.Errorf("cargo: %w", err)
	}
	s.Cargo, s.CargoKnown = lines, known
	if len(w.Modules) > 0 {
		var mods struct {
			DensityScanner *bool `json:"density_scanner"`
			WarpDrive      *bool `json:"warp_drive"`
		}
		if err := json.Unmarshal(w.Modules, &mods); err == nil {
			s.DensityScan, s.WarpDrive = mods.DensityScanner, mods.WarpDrive
		}
	}
	return s, nil
}

// decodeCargo accepts a list of lot objects, a flat commodity->quantity map,
// or the simplified list of commodity strings (reported as known=false).
func decodeCargo(raw json.RawMessage) ([]CargoLine, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}
	switch raw[0] {
	case '{':
		var flat map[string]int
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, false, err
		}
		var out []CargoLine
		for _, c := range Commodities {
			for name, qty := range flat {
				if cc, ok := CanonicalCommodity(name); ok && cc == c && qty > 0 {
					out = append(out, CargoLine{Commodity: c, Quantity: qty})
				}
			}
		}
		return out, true, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false, err
		}
		if len(items) == 0 {
			return nil, true, nil
		}
		if t := bytes.TrimSpace(items[0]); len(t) > 0 && t[0] == '"' {
			return nil, false, nil
		}
		out := make([]CargoLine, 0, len(items))
		for _, it := range items {
			var w struct {
				Commodity     string `json:"commodity"`
				Quantity      *int   `json:"quantity"`
				Units         *int   `json:"units"`
				PurchasePrice int    `json:"purchase_price"`
				OriginPortID  int    `json:"origin_port_id"`
			}
			if err := json.Unmarshal(it, &w); err != nil {
				return nil, false, err
			}
			c, ok := CanonicalCommodity(w.Commodity)
			if !ok {
				return nil, false, fmt.Errorf("unknown commodity %q", w.Commodity)
			}
			out = append(out, CargoLine{
				Commodity:     c,
				Quantity:      firstInt(w.Quantity, w.Units),
				PurchasePrice: w.PurchasePrice,
				OriginPortID:  w.OriginPortID,
			})
		}
		return out, true, nil
	}
	return nil, false, fmt.Errorf("unexpected cargo form")
}

func decodeSector(data json.RawMessage) (Response, error) {
	var w struct {
		SectorID  *int              `json:"sector_id"`
		ID        *int              `json:"id"`
		Name      string            `json:"name"`
		Adjacent  []int             `json:"adjacent"`
		AdjSector []int             `json:"adjacent_sectors"`
		Warps     []int             `json:"warps"`
		Ports     []json.RawMessage `json:"ports"`
		Port      json.RawMessage   `json:"port"`
		HasPort   *bool             `json:"has_port"`
		Planets   []json.RawMessage `json:"planets"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypeSectorInfo, err)
	}
	s := SectorInfo{
		SectorID: firstInt(w.SectorID, w.ID),
		Name:     w.Name,
		Planets:  w.Planets,
	}
	if s.SectorID <= 0 {
		return nil, fmt.Errorf("%s: missing sector_id", TypeSectorInfo)
	}
	switch {
	case w.AdjSector != nil:
		s.Adjacent = w.AdjSector
	case w.Adjacent != nil:
		s.Adjacent = w.Adjacent
	default:
		s.Adjacent = w.Warps
	}
	ports := w.Ports
	if len(w.Port) > 0 && string(w.Port) != "null" {
		ports = append(ports, w.Port)
	}
	for _, p := range ports {
		var pw struct {
			ID     *int `json:"id"`
			PortID *int `json:"port_id"`
		}
		if err := json.Unmarshal(p, &pw); err != nil {
			continue
		}
		if id := firstInt(pw.PortID, pw.ID); id > 0 {
			s.PortIDs = append(s.PortIDs, id)
		}
	}
	s.HasPort = len(s.PortIDs) > 0
	if !s.HasPort && w.HasPort != nil {
		s.HasPort = *w.HasPort
	}
	return s, nil
}

func decodePortInfo(data json.RawMessage) (Response, error) {
	var outer struct {
		Port json.RawMessage `json:"port"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("%s: %w", TypePortInfo, err)
	}
	raw := outer.Port
	if len(raw) == 0 || string(raw) == "null" {
		raw = data
	}
	var w struct {
		ID          *int   `json:"id"`
		PortID      *int   `json:"port_id"`
		SectorID    *int   `json:"sector_id"`
		Sector      *int   `json:"sector"`
		Name        string `json:"name"`
		Class       any    `json:"class"`
		OreOnHand   *int   `json:"ore_on_hand"`
		OrgOnHand   *int   `json:"organics_on_hand"`
		EquOnHand   *int   `json:"equipment_on_hand"`
		Commodities []struct {
			Commodity string `json:"commodity"`
			Name      string `json:"name"`
			Supply    *int   `json:"supply"`
			Quantity  *int   `json:"quantity"`
			OnHand    *int   `json:"on_hand"`
		} `json:"commodities"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypePortInfo, err)
	}
	p := PortData{
		PortID:   firstInt(w.PortID, w.ID),
		SectorID: firstInt(w.SectorID, w.Sector),
		Name:     w.Name,
	}
	if w.Class != nil {
		p.Class = strings.TrimSpace(fmt.Sprint(w.Class))
	}
	if p.PortID <= 0 {
		return nil, fmt.Errorf("%s: missing port id", TypePortInfo)
	}
	seen := map[Commodity]bool{}
	for _, c := range w.Commodities {
		cc, ok := CanonicalCommodity(firstString(c.Commodity, c.Name))
		if !ok || seen[cc] {
			continue
		}
		seen[cc] = true
		p.Commodities = append(p.Commodities, PortCommodity{Commodity: cc, Supply: firstInt(c.Supply, c.Quantity, c.OnHand)})
	}
	flat := []struct {
		c Commodity
		v *int
	}{{ORE, w.OreOnHand}, {ORG, w.OrgOnHand}, {EQU, w.EquOnHand}}
	for _, f := range flat {
		if f.v == nil || seen[f.c] {
			continue
		}
		seen[f.c] = true
		p.Commodities = append(p.Commodities, PortCommodity{Commodity: f.c, Supply: *f.v})
	}
	return PortInfo{Port: p}, nil
}

func decodeQuote(data json.RawMessage) (Response, error) {
	var w struct {
		PortID    int    `json:"port_id"`
		Commodity string `json:"commodity"`
		Quantity  int    `json:"quantity"`
		BuyPrice  *int   `json:"buy_price"`
		SellPrice *int   `json:"sell_price"`
		Side      string `json:"side"`
		UnitPrice *int   `json:"unit_price"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypeQuote, err)
	}
	c, ok := CanonicalCommodity(w.Commodity)
	if !ok {
		return nil, fmt.Errorf("%s: unknown commodity %q", TypeQuote, w.Commodity)
	}
	q := Quote{PortID: w.PortID, Commodity: c, Quantity: w.Quantity, BuyPrice: w.BuyPrice, SellPrice: w.SellPrice}
	if w.UnitPrice != nil {
		switch strings.ToLower(w.Side) {
		case "buy":
			if q.BuyPrice == nil {
				q.BuyPrice = w.UnitPrice
			}
		case "sell":
			if q.SellPrice == nil {
				q.SellPrice = w.UnitPrice
			}
		}
	}
	return q, nil
}

func decodeReceipt(data json.RawMessage, sell bool) (Response, error) {
	t := TypeBuyReceipt
	if sell {
		t = TypeSellReceipt
	}
	type lineWire struct {
		Commodity    string `json:"commodity"`
		Units        *int   `json:"units"`
		Quantity     *int   `json:"quantity"`
		PricePerUnit *int   `json:"price_per_unit"`
		UnitPrice    *int   `json:"unit_price"`
	}
	var w struct {
		lineWire
		PortID           int        `json:"port_id"`
		Lines            []lineWire `json:"lines"`
		CreditsRemaining *int64     `json:"credits_remaining"`
		IdempotencyKey   string     `json:"idempotency_key"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	lines := w.Lines
	if len(lines) == 0 && w.Commodity != "" {
		lines = []lineWire{w.lineWire}
	}
	r := TradeReceipt{Sell: sell, PortID: w.PortID, CreditsRemaining: w.CreditsRemaining, IdempotencyKey: w.IdempotencyKey}
	for _, l := range lines {
		c, ok := CanonicalCommodity(l.Commodity)
		if !ok {
			return nil, fmt.Errorf("%s: unknown commodity %q", t, l.Commodity)
		}
		units := firstInt(l.Units, l.Quantity)
		if units < 0 {
			return nil, fmt.Errorf("%s: negative units", t)
		}
		r.Lines = append(r.Lines, TradeLine{Commodity: c, Units: units, PricePerUnit: firstInt(l.PricePerUnit, l.UnitPrice)})
	}
	if len(r.Lines) == 0 {
		return nil, fmt.Errorf("%s: no lines", t)
	}
	return r, nil
}

func decodeDensity(data json.RawMessage) (Response, error) {
	var w struct {
		SectorID *int `json:"sector_id"`
		Sectors  []struct {
			SectorID int `json:"sector_id"`
			Density  int `json:"density"`
		} `json:"sectors"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypeDensityScan, err)
	}
	d := DensityScan{SectorID: firstInt(w.SectorID), Readings: map[int]int{}}
	for _, s := range w.Sectors {
		d.Readings[s.SectorID] = s.Density
	}
	return d, nil
}

func decodeCmdList(data json.RawMessage) (Response, error) {
	var w struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", TypeCmdList, err)
	}
	var out CommandList
	for _, c := range w.Commands {
		var name string
		if err := json.Unmarshal(c, &name); err != nil {
			var obj struct {
				Name string `json:"name"`
				Cmd  string `json:"cmd"`
			}
			if err := json.Unmarshal(c, &obj); err != nil {
				continue
			}
			name = firstString(obj.Name, obj.Cmd)
		}
		if name = strings.TrimSpace(name); name != "" {
			out.Names = append(out.Names, name)
		}
	}
	return out, nil
}

func firstInt(vs ...*int) int {
	for _, v := range vs {
		if v != nil {
			return *v
		}
	}
	return 0
}

func firstString(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
