// Package economy holds the cycle-settlement math: delivery, fees, market
// shares and unlocks, price and theta feedback, and stock prices. Nothing in
// here touches storage; callers pass plain records in and persist the
// records that come back.
package economy

import "time"

type CycleState string

const (
	CyclePending  CycleState = "pending"
	CycleActive   CycleState = "active"
	CycleFinished CycleState = "finished"
)

type Params struct {
	Alpha         float64 `json:"alpha" yaml:"alpha"`
	Beta          float64 `json:"beta" yaml:"beta"`
	Gamma         float64 `json:"gamma" yaml:"gamma"`
	TauS          float64 `json:"tau_s" yaml:"tau_s"`
	CoeffH        float64 `json:"coeff_h" yaml:"coeff_h"`
	CoeffK        float64 `json:"coeff_k" yaml:"coeff_k"`
	CoeffL        float64 `json:"coeff_l" yaml:"coeff_l"`
	OverdraftRate float64 `json:"overdraft_rate" yaml:"overdraft_rate"`
}

type Cycle struct {
	ID         int64      `json:"id"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Params
}

func (c Cycle) State() CycleState {
	switch {
	case c.StartedAt == nil:
		return CyclePending
	case c.FinishedAt == nil:
		return CycleActive
	default:
		return CycleFinished
	}
}

// CycleContext is the explicit cycle handed to every engine call. Prev is nil
// for the first cycle.
type CycleContext struct {
	Cycle Cycle
	Prev  *Cycle
	Now   time.Time
}

type Modificator struct {
	ID        int64     `json:"id"`
	Cycle     int64     `json:"cycle"`
	Param     string    `json:"param"`
	Ring      int       `json:"ring"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type Role string

const (
	RoleRoot      Role = "root"
	RolePlayer    Role = "player"
	RoleNews      Role = "news"
	RoleEditor    Role = "editor"
	RoleLogistics Role = "logistics"
)

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
	// Ring is only meaningful for logistics operators.
	Ring int `json:"ring"`
}

type Market struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Ring     int    `json:"ring"`
	HomeUser int64  `json:"home_user,omitempty"`
}

type Connection struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// Key addresses every (user, market) aggregation.
type Key struct {
	User   int64
	Market int64
}

type MarketPrice struct {
	Cycle  int64   `json:"cycle"`
	Market int64   `json:"market"`
	Buy    float64 `json:"buy"`
	Sell   float64 `json:"sell"`
}

const (
	SharePrimaryIncumbent   = 1.02
	ShareSecondaryIncumbent = 1.01
)

type MarketShare struct {
	Cycle     int64   `json:"cycle"`
	User      int64   `json:"user"`
	Market    int64   `json:"market"`
	Share     float64 `json:"share"`
	Position  int     `json:"position"`
	Unlocked  bool    `json:"unlocked"`
	Protected bool    `json:"protected"`
}

func (s MarketShare) Key() Key { return Key{User: s.User, Market: s.Market} }

type Theta struct {
	Cycle  int64   `json:"cycle"`
	User   int64   `json:"user"`
	Market int64   `json:"market"`
	Value  float64 `json:"value"`
}

type Supply struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Cycle      int64      `json:"cycle"`
	User       int64      `json:"user"`
	Market     int64      `json:"market"`
	Declared   int64      `json:"declared"`
	Delivered  int64      `json:"delivered"`
	// Amount is 0 in flight and the sold quantity once resolved.
	Amount int64 `json:"amount"`
}

func (s Supply) InFlight() bool { return s.FinishedAt == nil }

type Production struct {
	ID        int64     `json:"id"`
	Cycle     int64     `json:"cycle"`
	User      int64     `json:"user"`
	Market    int64     `json:"market"`
	Quantity  int64     `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

type TxKind string

const (
	TxIncome       TxKind = "income"
	TxStorageFee   TxKind = "storage_fee"
	TxLifeFee      TxKind = "life_fee"
	TxOverdraftFee TxKind = "overdraft_fee"
	TxProduction   TxKind = "production"
	TxShipmentFee  TxKind = "shipment_fee"
	TxSeed         TxKind = "seed"
)

type Transaction struct {
	ID              string    `json:"id"`
	At              time.Time `json:"at"`
	Cycle           int64     `json:"cycle"`
	User            int64     `json:"user"`
	Amount          float64   `json:"amount"`
	Kind            TxKind    `json:"kind"`
	Description     string    `json:"description"`
	Market          int64     `json:"market,omitempty"`
	Items           int64     `json:"items,omitempty"`
	OverdraftExempt bool      `json:"overdraft_exempt"`
}

type Balance struct {
	Cycle  int64   `json:"cycle"`
	User   int64   `json:"user"`
	Amount float64 `json:"amount"`
}

type WorldDemand struct {
	Cycle  int64   `json:"cycle"`
	Ring   int     `json:"ring"`
	Demand float64 `json:"demand"`
}

type Stock struct {
	Cycle int64   `json:"cycle"`
	User  int64   `json:"user"`
	Price float64 `json:"price"`
}
