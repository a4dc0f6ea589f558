package protocol

// Command payloads (the data member of a client envelope).

type LoginData struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	ClientVersion string `json:"client_version"`
}

type SectorRef struct {
	SectorID int `json:"sector_id"`
}

type WarpData struct {
	ToSectorID int `json:"to_sector_id"`
}

type PathfindData struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type PortRef struct {
	PortID int `json:"port_id"`
}

type QuoteData struct {
	PortID    int       `json:"port_id"`
	Commodity Commodity `json:"commodity"`
	Quantity  int       `json:"quantity"`
}

type TradeItem struct {
	Commodity Commodity `json:"commodity"`
	Quantity  int       `json:"quantity"`
}

type BuyData struct {
	PortID int         `json:"port_id"`
	Items  []TradeItem `json:"items"`
}

type SellData struct {
	PortID    int       `json:"port_id"`
	Commodity Commodity `json:"commodity"`
	Quantity  int       `json:"quantity"`
}

type DepositData struct {
	Amount int64 `json:"amount"`
}

type SchemaRef struct {
	Name string `json:"name"`
}
