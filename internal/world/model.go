package world

import (
	"encoding/json"
	"time"

	"twbot/internal/bandit"
	"twbot/internal/protocol"
)

// RecentSectorsMax bounds the ring of recently visited sectors.
const RecentSectorsMax = 10

// TradeLogMax bounds the persisted profit history.
const TradeLogMax = 100

type Session struct {
	Token         string `json:"-"`
	ClientVersion string `json:"client_version"`
	Username      string `json:"username"`
}

type Player struct {
	Name           string `json:"name"`
	Credits        int64  `json:"credits"`
	TurnsRemaining int    `json:"turns_remaining"`
	TurnsKnown     bool   `json:"turns_known,omitempty"`
	Alignment      int    `json:"alignment"`
	SectorID       int    `json:"sector_id"`
}

type CargoLot struct {
	Commodity     protocol.Commodity `json:"commodity"`
	Quantity      int                `json:"quantity"`
	PurchasePrice int                `json:"purchase_price"`
	OriginPortID  int                `json:"origin_port_id"`
}

type Location struct {
	SectorID int `json:"sector_id"`
}

type Modules struct {
	DensityScanner bool `json:"density_scanner"`
	WarpDrive      bool `json:"warp_drive"`
}

type Ship struct {
	ID       int        `json:"id"`
	Name     string     `json:"name,omitempty"`
	Holds    int        `json:"holds"`
	Cargo    []CargoLot `json:"cargo"`
	Location Location   `json:"location"`
	Modules  Modules    `json:"modules"`
}

type Sector struct {
	ID            int               `json:"id"`
	Name          string            `json:"name,omitempty"`
	Adjacent      []int             `json:"adjacent"`
	HasPort       bool              `json:"has_port"`
	PortIDs       []int             `json:"port_ids,omitempty"`
	Planets       []json.RawMessage `json:"planets,omitempty"`
	Density       map[int]int       `json:"density,omitempty"`
	LastRefreshed time.Time         `json:"last_refreshed"`
}

type PortCommodity struct {
	Commodity protocol.Commodity `json:"commodity"`
	Supply    int                `json:"supply"`
}

type Port struct {
	PortID      int             `json:"port_id"`
	SectorID    int             `json:"sector_id"`
	Name        string          `json:"name,omitempty"`
	Class       string          `json:"class,omitempty"`
	Commodities []PortCommodity `json:"commodities"`
}

// Prices holds at most one unit price per side per commodity; nil means the
// port quoted no price for that side.
type Prices struct {
	Buy  map[protocol.Commodity]*int `json:"buy"`
	Sell map[protocol.Commodity]*int `json:"sell"`
}

type MapEntry struct {
	Explored    bool      `json:"explored"`
	Visits      int       `json:"visits"`
	LastVisited time.Time `json:"last_visited"`
}

type TradeEntry struct {
	At        time.Time          `json:"at"`
	Side      string             `json:"side"`
	PortID    int                `json:"port_id"`
	SectorID  int                `json:"sector_id"`
	Commodity protocol.Commodity `json:"commodity"`
	Quantity  int                `json:"quantity"`
	UnitPrice int                `json:"unit_price"`
	Profit    int64              `json:"profit"`
}

// CommandRecord is what was sent for one request id.
type CommandRecord struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Data       json.RawMessage `json:"data"`
	Meta       protocol.Meta   `json:"meta"`
	Invariant  bool            `json:"is_invariant,omitempty"`
	Action     string          `json:"action,omitempty"`
	ContextKey string          `json:"context_key,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Goal       string          `json:"goal,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

type RetryInfo struct {
	Failures    int       `json:"failures"`
	NextRetry   time.Time `json:"next_retry_time"`
	Blacklisted bool      `json:"blacklisted,omitempty"`
}

type ActionResult struct {
	Status       string    `json:"status"`
	Command      string    `json:"command"`
	ResponseType string    `json:"response_type,omitempty"`
	ErrorCode    int       `json:"error_code,omitempty"`
	ErrorMsg     string    `json:"error_msg,omitempty"`
	At           time.Time `json:"ts"`
}

// Resync flags force the invariant stage to re-fetch authoritative state.
type Resync struct {
	Player bool `json:"player"`
	Ship   bool `json:"ship"`
}

// Model is the whole client-side view of the game. The reconciler is its
// only writer; everyone else reads.
type Model struct {
	Session Session `json:"session"`
	Player  *Player `json:"player"`
	Ship    *Ship   `json:"ship"`

	// PlayerLocationSector is 0 when unknown.
	PlayerLocationSector int               `json:"player_location_sector"`
	Sectors              map[int]*Sector   `json:"sectors"`
	UniverseMap          map[int]*MapEntry `json:"universe_map"`
	Ports                map[int]*Port     `json:"ports"`
	PriceCache           map[int]*Prices   `json:"price_cache"`
	BankBalance          int64             `json:"bank_balance"`
	WarpBlacklist        IntSet            `json:"warp_blacklist"`
	PortTradeBlacklist   IntSet            `json:"port_trade_blacklist"`
	SchemaBlacklist      StringSet         `json:"schema_blacklist"`
	TradeLog             []TradeEntry      `json:"trade_log"`
	TotalProfit          int64             `json:"total_profit"`

	bandit.Tables

	// Cleared on load.
	Pending               map[string]CommandRecord   `json:"pending_commands"`
	Retry                 map[string]*RetryInfo      `json:"retry_info"`
	CommandSchemas        map[string]json.RawMessage `json:"command_schemas"`
	KnownCommands         []string                   `json:"known_commands"`
	PendingSchemaRequests StringSet                  `json:"pending_schema_requests"`
	SchemasBootstrapped   bool                       `json:"schemas_bootstrapped"`
	RecentSectors         []int                      `json:"recent_sectors"`
	CurrentPath           []int                      `json:"current_path"`
	LastActionResult      *ActionResult              `json:"last_action_result"`
	Plan                  []string                   `json:"strategy_plan"`
	LastAction            string                     `json:"last_action"`
	LastContextKey        string                     `json:"last_context_key"`
	LastStage             string                     `json:"last_stage"`
	LastScanSector        int                        `json:"last_scan_sector"`
	Resync                Resync                     `json:"resync"`

	// Extra holds keys found in a loaded state document that this version
	// does not know; they are written back untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

func New() *Model {
	m := &Model{Tables: bandit.NewTables()}
	m.fill()
	m.ResetTransient()
	return m
}

// fill replaces nil maps with empty ones after decoding.
func (m *Model) fill() {
	if m.Sectors == nil {
		m.Sectors = map[int]*Sector{}
	}
	if m.UniverseMap == nil {
		m.UniverseMap = map[int]*MapEntry{}
	}
	if m.Ports == nil {
		m.Ports = map[int]*Port{}
	}
	if m.PriceCache == nil {
		m.PriceCache = map[int]*Prices{}
	}
	if m.WarpBlacklist == nil {
		m.WarpBlacklist = IntSet{}
	}
	if m.PortTradeBlacklist == nil {
		m.PortTradeBlacklist = IntSet{}
	}
	if m.SchemaBlacklist == nil {
		m.SchemaBlacklist = StringSet{}
	}
	if m.Q == nil || m.N == nil {
		t := bandit.NewTables()
		if m.Q == nil {
			m.Q = t.Q
		}
		if m.N == nil {
			m.N = t.N
		}
	}
	if m.Extra == nil {
		m.Extra = map[string]json.RawMessage{}
	}
}

// ResetTransient clears everything that must be rebuilt after a restart:
// the session token, plan, retries, schema caches, recent sectors, pending
// commands, current path, last action result and the player/ship snapshots.
func (m *Model) ResetTransient() {
	m.fill()
	m.Session.Token = ""
	m.Player = nil
	m.Ship = nil
	m.Pending = map[string]CommandRecord{}
	m.Retry = map[string]*RetryInfo{}
	m.CommandSchemas = map[string]json.RawMessage{}
	m.KnownCommands = nil
	m.PendingSchemaRequests = StringSet{}
	m.SchemasBootstrapped = false
	m.RecentSectors = nil
	m.CurrentPath = nil
	m.LastActionResult = nil
	m.Plan = nil
	m.LastAction = ""
	m.LastContextKey = ""
	m.LastStage = ""
	m.LastScanSector = 0
	m.Resync = Resync{}
}

// Prepare finishes a decoded model: empty maps are allocated and the
// transient slice is reset.
func (m *Model) Prepare() {
	m.fill()
	m.ResetTransient()
}
