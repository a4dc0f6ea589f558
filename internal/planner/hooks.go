package planner

import (
	"twbot/internal/protocol"
	"twbot/internal/reconcile"
)

// AfterReply runs the deterministic follow-ups that override the bandit:
// sell right after a buy when this port pays more than we paid, and buy
// right after a quote whose margin against the best known sell price
// beats QuoteBuyMargin.
func (p *Planner) AfterReply(out reconcile.Outcome) *Command {
	if out.Record == nil || out.Err != nil || out.Duplicate {
		return nil
	}
	switch out.Record.Command {
	case protocol.CmdTradeBuy:
		return p.onBuyOK(out)
	case protocol.CmdTradeQuote:
		if q, ok := out.Response.(protocol.Quote); ok {
			return p.onQuote(q)
		}
	}
	return nil
}

func (p *Planner) onBuyOK(out reconcile.Outcome) *Command {
	if !p.usable(protocol.CmdTradeSell) {
		return nil
	}
	for _, t := range out.Trades {
		if t.Side != "buy" {
			continue
		}
		port, ok := p.m.TradablePort()
		if !ok || port != t.PortID {
			continue
		}
		sell, ok := p.m.SellPrice(port, t.Commodity)
		if !ok || sell <= t.UnitPrice {
			continue
		}
		if qty := p.m.CargoOf(t.Commodity); qty > 0 {
			return sellCmd(port, t.Commodity, qty)
		}
	}
	return nil
}

func (p *Planner) onQuote(q protocol.Quote) *Command {
	if q.BuyPrice == nil || !p.usable(protocol.CmdTradeBuy) {
		return nil
	}
	port, ok := p.m.TradablePort()
	if !ok || (q.PortID > 0 && q.PortID != port) {
		return nil
	}
	best, ok := p.bestKnownSell(q.Commodity)
	if !ok || best-*q.BuyPrice <= p.opts.QuoteBuyMargin {
		return nil
	}
	qty := p.buyQuantity(port, q.Commodity)
	if qty <= 0 {
		return nil
	}
	return buyCmd(port, q.Commodity, qty)
}

// bestKnownSell is the highest cached sell price for c at any port that
// still trades with us.
func (p *Planner) bestKnownSell(c protocol.Commodity) (int, bool) {
	var (
		best  int
		found bool
	)
	for port, prices := range p.m.PriceCache {
		if prices == nil || p.m.PortTradeBlacklist.Has(port) {
			continue
		}
		if v := prices.Sell[c]; v != nil && (!found || *v > best) {
			best, found = *v, true
		}
	}
	return best, found
}
