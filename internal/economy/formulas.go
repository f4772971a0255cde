package economy

import "math"

const (
	// StockFloor bounds a single cycle's stock move from below.
	StockFloor = 0.1
	// ThetaCeiling is the exclusive upper bound of theta.
	ThetaCeiling = 1.0 / 3.0
)

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// feedbackMultiplier maps a signed argument to (0.5, 2.0). The ln2 offset
// puts sigmoid at 1/3 for a zero argument, which is a multiplier of
// exactly 1.
func feedbackMultiplier(arg float64) float64 {
	if arg == 0 {
		return 1
	}
	sigma := Sigmoid(arg - math.Ln2)
	return 1.5*sigma + 0.5
}

// NextBuyPrice raises the buy price when production grows cycle over cycle
// and lowers it when production shrinks.
func NextBuyPrice(old float64, produced, producedPrev int64, h float64) float64 {
	if h <= 0 {
		return old
	}
	delta := float64(produced - producedPrev)
	return feedbackMultiplier(delta/h) * old
}

// NextSellPrice lowers the sell price when delivered items exceed demand.
func NextSellPrice(old float64, delivered int64, demand, l float64) float64 {
	if demand <= 0 || l <= 0 {
		return old
	}
	arg := (1 - float64(delivered)/demand) / l
	return feedbackMultiplier(arg) * old
}

// ThetaFor returns the production discount for a mean production quantity.
// k is positive for every stored cycle; zero is returned for k <= 0 only to
// avoid a division by zero.
func ThetaFor(mean, k float64) float64 {
	if mean <= 0 || k <= 0 {
		return 0
	}
	theta := Sigmoid(2*mean/k-3) / 3
	if theta >= ThetaCeiling {
		theta = math.Nextafter(ThetaCeiling, 0)
	}
	return theta
}

func ProductionCost(theta, buyPrice float64, quantity int64) float64 {
	return (1 - theta) * buyPrice * float64(quantity)
}

// DeliveredQuantity models a linear delivery rate capped by the declared
// shipment size.
func DeliveredQuantity(declared int64, velocity, elapsedSeconds float64) int64 {
	if declared <= 0 || velocity <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	raw := math.Floor(velocity * elapsedSeconds)
	if raw >= float64(declared) {
		return declared
	}
	return int64(raw)
}

func SoldQuantity(delivered int64, fill float64) int64 {
	if delivered <= 0 || fill <= 0 {
		return 0
	}
	if fill >= 1 {
		return delivered
	}
	return int64(math.Floor(fill * float64(delivered)))
}

func NextStockPrice(prev, relIncome, noise float64) float64 {
	return prev * math.Max(StockFloor, relIncome*(1+noise))
}
