package protocol

import "fmt"

// Server error codes the client gates behavior on. Anything else is a
// generic failure.
const (
	CodeUnknownSchema     = 1104
	CodeNameTaken         = 1105
	CodeAlreadyRegistered = 1210
	CodeNoWarpLink        = 1402
	CodePortCannotTrade   = 1405
	CodePortUnavailable   = 1701
)

var knownCodes = map[int]struct{}{
	CodeUnknownSchema:     {},
	CodeNameTaken:         {},
	CodeAlreadyRegistered: {},
	CodeNoWarpLink:        {},
	CodePortCannotTrade:   {},
	CodePortUnavailable:   {},
}

func IsKnownCode(code int) bool {
	_, ok := knownCodes[code]
	return ok
}

// IsPortTradeRefusal reports codes that mean the port will not trade now.
func IsPortTradeRefusal(code int) bool {
	return code == CodePortCannotTrade || code == CodePortUnavailable
}

// IsAlreadyExists reports register failures that should continue to login.
func IsAlreadyExists(code int) bool {
	return code == CodeNameTaken || code == CodeAlreadyRegistered
}

// ErrorBody is the error member of a server envelope.
type ErrorBody struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *ErrorBody) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}
