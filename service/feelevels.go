package service

import (
	"context"
	"math"
	"time"

	"github.com/dan/bws/wallet"
)

// feeLevelDef maps a named urgency to a confirmation target. DefaultFeePerKb
// covers explorer outages and targets the explorer cannot estimate.
type feeLevelDef struct {
	Name            string
	NbBlocks        int
	Multiplier      float64
	DefaultFeePerKb int64
}

var feeLevelDefs = []feeLevelDef{
	{Name: "urgent", NbBlocks: 2, Multiplier: 1.5, DefaultFeePerKb: 75000},
	{Name: "priority", NbBlocks: 2, DefaultFeePerKb: 50000},
	{Name: "normal", NbBlocks: 3, DefaultFeePerKb: 30000},
	{Name: "economy", NbBlocks: 6, DefaultFeePerKb: 25000},
	{Name: "superEconomy", NbBlocks: 24, DefaultFeePerKb: 10000},
}

// FeeLevel is one entry of the fee estimation ladder. FeePerKb is in
// satoshis per kilobyte.
type FeeLevel struct {
	Level    string `json:"level"`
	NbBlocks int    `json:"nbBlocks"`
	FeePerKb int64  `json:"feePerKb"`
}

type cachedFeeLevels struct {
	levels    []*FeeLevel
	sampledOn time.Time
}

// GetFeeLevels returns the named fee levels for a network, sampled from the
// explorer and cached briefly. Estimation gaps fall back to the level's
// default rate; a full explorer outage serves all defaults uncached.
func (s *Service) GetFeeLevels(ctx context.Context, network string) ([]*FeeLevel, error) {
	if !wallet.ValidNetwork(network) {
		return nil, wallet.NewClientError("Invalid network")
	}
	if v, ok := s.feeCache.Get(network); ok {
		cached := v.(*cachedFeeLevels)
		if s.now().Sub(cached.sampledOn) < s.opts.FeeLevelsCacheTTL {
			return cached.levels, nil
		}
	}

	exp, err := s.explorerFor(network)
	if err != nil {
		return nil, err
	}
	samples, err := exp.EstimateFee(ctx, feeSamplePoints())
	if err != nil {
		s.log.Warn("fee estimation unavailable, serving defaults", "network", network, "err", err)
		return defaultFeeLevels(), nil
	}

	levels := make([]*FeeLevel, len(feeLevelDefs))
	for i, def := range feeLevelDefs {
		level := &FeeLevel{Level: def.Name, NbBlocks: def.NbBlocks, FeePerKb: def.DefaultFeePerKb}
		if btcPerKb, ok := samples[def.NbBlocks]; ok && btcPerKb > 0 {
			multiplier := def.Multiplier
			if multiplier == 0 {
				multiplier = 1
			}
			level.FeePerKb = int64(math.Round(btcPerKb * 1e8 * multiplier))
		} else {
			s.log.Warn("no fee estimate for target, using default",
				"network", network, "nbBlocks", def.NbBlocks)
		}
		levels[i] = level
	}
	s.feeCache.Add(network, &cachedFeeLevels{levels: levels, sampledOn: s.now()})
	return levels, nil
}

// feeSamplePoints returns the distinct confirmation targets the levels need.
func feeSamplePoints() []int {
	seen := make(map[int]bool, len(feeLevelDefs))
	points := make([]int, 0, len(feeLevelDefs))
	for _, def := range feeLevelDefs {
		if seen[def.NbBlocks] {
			continue
		}
		seen[def.NbBlocks] = true
		points = append(points, def.NbBlocks)
	}
	return points
}

func defaultFeeLevels() []*FeeLevel {
	levels := make([]*FeeLevel, len(feeLevelDefs))
	for i, def := range feeLevelDefs {
		levels[i] = &FeeLevel{Level: def.Name, NbBlocks: def.NbBlocks, FeePerKb: def.DefaultFeePerKb}
	}
	return levels
}
