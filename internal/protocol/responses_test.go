package protocol

import (
	"encoding/json"
	"testing"
)

func decodeLine(t *testing.T, line string) Response {
	t.Helper()
	env, err := DecodeServer([]byte(line))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	r, err := Decode(env)
	if err != nil {
		t.Fatalf("decode %s: %v", line, err)
	}
	return r
}

func TestDecode_AuthSession(t *testing.T) {
	r := decodeLine(t, `{"type":"auth.session","status":"ok","data":{"session_token":"T","player":{"name":"ace","credits":5000,"turns":120,"sector":42}}}`)
	s, ok := r.(AuthSession)
	if !ok {
		t.Fatalf("got %T", r)
	}
	if s.Token != "T" || s.Player == nil || s.Player.Sector != 42 || *s.Player.TurnsRemaining != 120 || *s.Player.Credits != 5000 {
		t.Fatalf("unexpected session: %+v", s)
	}
	env, _ := DecodeServer([]byte(`{"type":"auth.session","status":"ok","data":{}}`))
	if _, err := Decode(env); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestDecode_PlayerInfoFlatAndNested(t *testing.T) {
	nested := decodeLine(t, `{"type":"player.my_info","status":"ok","data":{"player":{"username":"ace","sector":42}}}`).(PlayerInfo)
	if nested.Player.Name != "ace" || nested.Player.Sector != 42 || nested.Ship != nil {
		t.Fatalf("nested: %+v", nested)
	}
	flat := decodeLine(t, `{"type":"player.info","status":"ok","data":{"name":"ace","sector_id":7,"turns_remaining":0}}`).(PlayerInfo)
	if flat.Player.Sector != 7 || flat.Player.TurnsRemaining == nil || *flat.Player.TurnsRemaining != 0 {
		t.Fatalf("flat: %+v", flat)
	}
}

func TestDecode_ShipCargoForms(t *testing.T) {
	lots := decodeLine(t, `{"type":"ship.info","status":"ok","data":{"ship":{"id":3,"holds":25,"location":{"sector_id":9},"cargo":[{"commodity":"Fuel Ore","quantity":20,"purchase_price":10,"origin_port_id":4}]}}}`).(ShipInfo)
	if !lots.Ship.CargoKnown || len(lots.Ship.Cargo) != 1 || lots.Ship.Cargo[0].Commodity != ORE || lots.Ship.Cargo[0].PurchasePrice != 10 {
		t.Fatalf("lots: %+v", lots.Ship)
	}
	if lots.Ship.SectorID != 9 || *lots.Ship.Holds != 25 {
		t.Fatalf("ship fields: %+v", lots.Ship)
	}

	flat := decodeLine(t, `{"type":"ship.status","status":"ok","data":{"ship":{"holds":25,"cargo":{"organics":3,"ore":2,"equipment":0}}}}`).(ShipInfo)
	want := []CargoLine{{Commodity: ORE, Quantity: 2}, {Commodity: ORG, Quantity: 3}}
	if !flat.Ship.CargoKnown || len(flat.Ship.Cargo) != 2 || flat.Ship.Cargo[0] != want[0] || flat.Ship.Cargo[1] != want[1] {
		t.Fatalf("flat cargo: %+v", flat.Ship.Cargo)
	}

	simplified := decodeLine(t, `{"type":"ship.info","status":"ok","data":{"ship":{"holds":25,"cargo":["ORE","ORG"]}}}`).(ShipInfo)
	if simplified.Ship.CargoKnown || simplified.Ship.Cargo != nil {
		t.Fatalf("string cargo must be ignored: %+v", simplified.Ship)
	}
}

func TestDecode_SectorNormalizesAdjacency(t *testing.T) {
	s := decodeLine(t, `{"type":"sector.info","status":"ok","data":{"sector_id":5,"name":"Sol","adjacent_sectors":[4,6],"ports":[{"id":11,"name":"X"}]}}`).(SectorInfo)
	if s.SectorID != 5 || len(s.Adjacent) != 2 || !s.HasPort || s.PortIDs[0] != 11 {
		t.Fatalf("sector: %+v", s)
	}
	empty := decodeLine(t, `{"type":"sector.info","status":"ok","data":{"sector_id":6,"adjacent":[]}}`).(SectorInfo)
	if empty.HasPort || len(empty.Adjacent) != 0 {
		t.Fatalf("empty sector: %+v", empty)
	}
}

func TestDecode_PortInfoSynthesizesCommodities(t *testing.T) {
	flat := decodeLine(t, `{"type":"trade.port_info","status":"ok","data":{"port":{"id":11,"sector_id":5,"ore_on_hand":100,"organics_on_hand":50}}}`).(PortInfo)
	if flat.Port.PortID != 11 || len(flat.Port.Commodities) != 2 || flat.Port.Commodities[1].Commodity != ORG {
		t.Fatalf("flat port: %+v", flat.Port)
	}
	nested := decodeLine(t, `{"type":"trade.port_info","status":"ok","data":{"port_id":12,"class":3,"commodities":[{"commodity":"Equipment","supply":7},{"name":"equ","supply":1}]}}`).(PortInfo)
	if len(nested.Port.Commodities) != 1 || nested.Port.Commodities[0].Commodity != EQU || nested.Port.Class != "3" {
		t.Fatalf("nested port: %+v", nested.Port)
	}
}

func TestDecode_QuoteNullablePrices(t *testing.T) {
	q := decodeLine(t, `{"type":"trade.quote","status":"ok","data":{"port_id":11,"commodity":"ore","quantity":1,"buy_price":10,"sell_price":null}}`).(Quote)
	if q.Commodity != ORE || q.BuyPrice == nil || *q.BuyPrice != 10 || q.SellPrice != nil {
		t.Fatalf("quote: %+v", q)
	}
}

func TestDecode_Receipts(t *testing.T) {
	buy := decodeLine(t, `{"type":"trade.buy_receipt_v1","status":"ok","data":{"port_id":11,"lines":[{"commodity":"ORE","units":5,"price_per_unit":10}],"credits_remaining":950}}`).(TradeReceipt)
	if buy.Sell || buy.ResponseType() != TypeBuyReceipt || buy.Lines[0] != (TradeLine{Commodity: ORE, Units: 5, PricePerUnit: 10}) {
		t.Fatalf("buy: %+v", buy)
	}
	sell := decodeLine(t, `{"type":"trade.sell_receipt","status":"ok","data":{"port_id":11,"commodity":"ORE","quantity":5,"unit_price":15}}`).(TradeReceipt)
	if !sell.Sell || len(sell.Lines) != 1 || sell.Lines[0].PricePerUnit != 15 {
		t.Fatalf("sell: %+v", sell)
	}
}

func TestDecode_MiscTypes(t *testing.T) {
	if mv := decodeLine(t, `{"type":"move.result","status":"ok","data":{"to_sector_id":7}}`).(MoveResult); mv.ToSectorID != 7 {
		t.Fatalf("move: %+v", mv)
	}
	if p := decodeLine(t, `{"type":"move.path","status":"ok","data":{"path":[1,2,3]}}`).(MovePath); len(p.Path) != 3 {
		t.Fatalf("path: %+v", p)
	}
	if b := decodeLine(t, `{"type":"bank.balance","status":"ok","data":{"balance":1200}}`).(BankBalance); b.Balance != 1200 {
		t.Fatalf("bank: %+v", b)
	}
	cl := decodeLine(t, `{"type":"system.cmd_list","status":"ok","data":{"commands":["move.warp",{"name":"trade.buy"}," "]}}`).(CommandList)
	if len(cl.Names) != 2 || cl.Names[1] != "trade.buy" {
		t.Fatalf("cmd list: %+v", cl)
	}
	sc := decodeLine(t, `{"type":"system.schema","status":"ok","data":{"name":"move.warp","schema":{"type":"object"}}}`).(Schema)
	if sc.Name != "move.warp" || !json.Valid(sc.Schema) {
		t.Fatalf("schema: %+v", sc)
	}
	u := decodeLine(t, `{"type":"combat.report","status":"ok","data":{"x":1}}`).(Unknown)
	if u.Type != "combat.report" || string(u.Raw) != `{"x":1}` {
		t.Fatalf("unknown: %+v", u)
	}
	if _, ok := decodeLine(t, `{"type":"player.pong","status":"ok"}`).(Pong); !ok {
		t.Fatalf("pong not decoded")
	}
}
