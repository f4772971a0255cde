package game

import (
	"time"

	"tradecycle/internal/economy"
)

type ProduceInput struct {
	UserID         int64
	MarketID       int64
	Quantity       int64
	IdempotencyKey string
}

type ProduceResult struct {
	ProductionID int64   `json:"production_id"`
	Cycle        int64   `json:"cycle"`
	Quantity     int64   `json:"quantity"`
	Theta        float64 `json:"theta"`
	BuyPrice     float64 `json:"buy_price"`
	Cost         float64 `json:"cost"`
	Balance      float64 `json:"balance"`
}

type ShipInput struct {
	UserID         int64
	MarketID       int64
	Quantity       int64
	IdempotencyKey string
}

type ShipResult struct {
	SupplyID int64   `json:"supply_id"`
	Cycle    int64   `json:"cycle"`
	Quantity int64   `json:"quantity"`
	Fee      float64 `json:"fee"`
	Balance  float64 `json:"balance"`
}

type ModificatorInput struct {
	Cycle int64
	Param string
	Ring  int
	Value float64
}

type SettlementReport struct {
	Cycle            int64     `json:"cycle"`
	FinishedAt       time.Time `json:"finished_at"`
	SuppliesResolved int       `json:"supplies_resolved"`
	ItemsDelivered   int64     `json:"items_delivered"`
	ItemsSold        int64     `json:"items_sold"`
	Income           float64   `json:"income"`
	Fees             float64   `json:"fees"`
	OverdraftUsers   int       `json:"overdraft_users"`
	Shares           int       `json:"shares"`
}

type WarehouseRow struct {
	MarketID int64  `json:"market_id"`
	Market   string `json:"market"`
	Items    int64  `json:"items"`
	InFlight int64  `json:"in_flight"`
}

type CycleView struct {
	economy.Cycle
	State economy.CycleState `json:"state"`
}

func viewOf(c economy.Cycle) CycleView {
	return CycleView{Cycle: c, State: c.State()}
}
