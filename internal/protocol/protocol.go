package protocol

import (
	"regexp"
	"strings"
)

// DefaultClientVersion is echoed in every meta block unless the config overrides it.
const DefaultClientVersion = "twbot/1.0"

// Commands driven by the client.
const (
	CmdAuthRegister   = "auth.register"
	CmdAuthLogin      = "auth.login"
	CmdAuthLogout     = "auth.logout"
	CmdPlayerPing     = "player.ping"
	CmdPlayerMyInfo   = "player.my_info"
	CmdShipInfo       = "ship.info"
	CmdShipClaim      = "ship.claim"
	CmdSectorInfo     = "sector.info"
	CmdDensityScan    = "sector.density_scan"
	CmdMoveWarp       = "move.warp"
	CmdMovePathfind   = "move.pathfind"
	CmdTradePortInfo  = "trade.port_info"
	CmdTradeQuote     = "trade.quote"
	CmdTradeBuy       = "trade.buy"
	CmdTradeSell      = "trade.sell"
	CmdBankBalance    = "bank.balance"
	CmdBankDeposit    = "bank.deposit"
	CmdSystemCmdList  = "system.cmd_list"
	CmdDescribeSchema = "system.describe_schema"
)

// Server message types (replies and pushes).
const (
	TypeAuthSession   = "auth.session"
	TypePlayerInfo    = "player.info"
	TypePlayerMyInfo  = "player.my_info"
	TypePong          = "player.pong"
	TypeShipInfo      = "ship.info"
	TypeShipStatus    = "ship.status"
	TypeShipClaimed   = "ship.claimed"
	TypeSectorInfo    = "sector.info"
	TypeDensityScan   = "sector.density_scan"
	TypeMoveResult    = "move.result"
	TypeMovePath      = "move.path"
	TypePortInfo      = "trade.port_info"
	TypeQuote         = "trade.quote"
	TypeBuyReceipt    = "trade.buy_receipt"
	TypeSellReceipt   = "trade.sell_receipt"
	TypeBankBalance   = "bank.balance"
	TypeCmdList       = "system.cmd_list"
	TypeSchema        = "system.schema"
	TypeSystemNotice  = "system.notice"
	TypePlayerEntered = "sector.player_entered"
	TypeError         = "error"
)

// Envelope status values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusRefused = "refused"
)

var versionSuffix = regexp.MustCompile(`_v\d+$`)

// NormalizeType strips a trailing version suffix so trade.buy_receipt_v1
// and trade.buy_receipt route the same way.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return versionSuffix.ReplaceAllString(t, "")
}

// IsTradeCommand reports commands whose data must repeat the idempotency key.
func IsTradeCommand(name string) bool {
	return name == CmdTradeBuy || name == CmdTradeSell
}
