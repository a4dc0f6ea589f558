package protocol

import "strings"

// Commodity is the canonical wire name of a tradeable good.
type Commodity string

const (
	ORE       Commodity = "ORE"
	ORG       Commodity = "ORG"
	EQU       Commodity = "EQU"
	COLONISTS Commodity = "COLONISTS"
)

// Commodities lists the legal commodity set in canonical order.
var Commodities = []Commodity{ORE, ORG, EQU, COLONISTS}

// CanonicalCommodity maps the names servers and advisors use (Organics,
// "fuel ore", equ, ...) onto the canonical set.
func CanonicalCommodity(name string) (Commodity, bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.Trim(n, `"'.`)
	n = strings.ReplaceAll(n, "_", " ")
	switch {
	case n == "":
		return "", false
	case strings.HasPrefix(n, "FUEL"), strings.HasPrefix(n, "ORE"):
		return ORE, true
	case strings.HasPrefix(n, "ORG"):
		return ORG, true
	case strings.HasPrefix(n, "EQU"):
		return EQU, true
	case strings.HasPrefix(n, "COL"):
		return COLONISTS, true
	}
	return "", false
}

// Valid reports whether c is already in canonical form.
func (c Commodity) Valid() bool {
	switch c {
	case ORE, ORG, EQU, COLONISTS:
		return true
	}
	return false
}
