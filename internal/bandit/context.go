package bandit

import (
	"fmt"
	"strconv"
)

const (
	StageBootstrap = "bootstrap"
	StageExplore   = "explore"
	StageSurvey    = "survey"
	StageExploit   = "exploit"
)

// Features is the discretized state a context key is built from.
type Features struct {
	Stage        string
	Degree       int
	PortID       int // 0 when the sector has no port
	HoldsFull    bool
	Credits      int64
	QAMode       bool
	CanSell      bool
	CanBuy       bool
	BankPositive bool
	Pending      bool
}

// Key renders the canonical context string. Equal features always give
// equal keys; raw credit and degree values never leak into the key.
func (f Features) Key() string {
	port := "none"
	if f.PortID > 0 {
		port = "p" + strconv.Itoa(f.PortID)
	}
	holds := "not_full"
	if f.HoldsFull {
		holds = "full"
	}
	return fmt.Sprintf("stage=%s|sector=%s|port=%s|holds=%s|credits=%s|qa=%t|sell=%t|buy=%t|bank=%t|pending=%t",
		f.Stage, SectorClass(f.Degree), port, holds, CreditsBucket(f.Credits),
		f.QAMode, f.CanSell, f.CanBuy, f.BankPositive, f.Pending)
}

func SectorClass(degree int) string {
	switch {
	case degree <= 0:
		return "isolated"
	case degree == 1:
		return "deadend"
	case degree <= 3:
		return "corridor"
	}
	return "hub"
}

func CreditsBucket(c int64) string {
	switch {
	case c < 10_000:
		return "low"
	case c < 100_000:
		return "medium"
	}
	return "high"
}
