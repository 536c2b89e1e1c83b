package engine

// Cost is the estimated cost of an execution path, expressed both in USD and
// as an APY-equivalent fraction of the transacted amount.
type Cost struct {
	USD      float64
	Fraction float64
	Slippage float64
}

// CostModel estimates the cost of entering or moving a position. Two models
// exist because the correct choice depends on whether the execution path is
// gas-sponsored: the sponsored model charges slippage only, while the
// gas-inclusive model additionally converts a fixed USD gas estimate into a
// fraction of the transacted amount.
type CostModel interface {
	Name() string
	// EntryCost estimates the cost of a fresh deposit (no withdrawal leg).
	EntryCost(amountUSD float64) Cost
	// MoveCost estimates the cost of exiting an existing position and
	// entering another: two slippage legs plus an execution buffer that
	// absorbs redemption-preview rounding between quote and execution time.
	MoveCost(amountUSD float64) Cost
}

// SponsoredCostModel assumes gas is fully paid by the relay; the only real
// costs are slippage and the exit buffer.
type SponsoredCostModel struct {
	SlippageRate float64 // per leg, fraction (0.001 = 0.1%)
	ExitBuffer   float64 // fraction, withdrawal leg only
}

func (m SponsoredCostModel) Name() string { return "sponsored" }

func (m SponsoredCostModel) EntryCost(amountUSD float64) Cost {
	return Cost{
		USD:      amountUSD * m.SlippageRate,
		Fraction: m.SlippageRate,
		Slippage: m.SlippageRate,
	}
}

func (m SponsoredCostModel) MoveCost(amountUSD float64) Cost {
	fraction := 2*m.SlippageRate + m.ExitBuffer
	return Cost{
		USD:      amountUSD * fraction,
		Fraction: fraction,
		Slippage: 2 * m.SlippageRate,
	}
}

// GasCostModel is the superseded, still-supported model for execution paths
// where the user bears gas: it layers a fixed USD gas estimate on top of the
// sponsored model's slippage legs.
type GasCostModel struct {
	Sponsored      SponsoredCostModel
	GasEstimateUSD float64
}

func (m GasCostModel) Name() string { return "gas_inclusive" }

func (m GasCostModel) EntryCost(amountUSD float64) Cost {
	c := m.Sponsored.EntryCost(amountUSD)
	c.USD += m.GasEstimateUSD
	if amountUSD > 0 {
		c.Fraction += m.GasEstimateUSD / amountUSD
	}
	return c
}

func (m GasCostModel) MoveCost(amountUSD float64) Cost {
	c := m.Sponsored.MoveCost(amountUSD)
	c.USD += m.GasEstimateUSD
	if amountUSD > 0 {
		c.Fraction += m.GasEstimateUSD / amountUSD
	}
	return c
}
