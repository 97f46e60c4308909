// Package heatmap builds the volume/dwell-weighted price-bin histogram used
// as a confluence filter: bins decay exponentially with age, adjacent bins
// cluster, and a multi-timeframe gate blocks signals walking into stacked
// resistance/support.
package heatmap

import (
	"math"
	"sort"

	"github.com/duskline/predator-core/internal/model"
)

// Config carries the per-timeframe histogram tunables.
type Config struct {
	Alpha        float64       // volume^alpha * (1/range)^(1-alpha)
	HalfLifeBars float64       // exponential decay half-life, in bars
	Tick         float64       // bin width
	MinSpacing   int           // min_spacing_bins for clustering
}

// DefaultConfig mirrors the original implementation's per-TF defaults.
func DefaultConfig() Config {
	return Config{Alpha: 0.7, HalfLifeBars: 200, Tick: 0.1, MinSpacing: 2}
}

type bin struct {
	pxIndex int64
	score   float64
}

// Build computes the sorted (score-desc) level list for one timeframe's
// bars.
func Build(cfg Config, bars *model.Bars) []model.HeatmapLevel {
	if bars == nil || bars.Len() == 0 || cfg.Tick <= 0 {
		return nil
	}
	n := bars.Len()
	agg := make(map[int64]float64, n)
	ln2 := math.Ln2
	for i := 0; i < n; i++ {
		rng := bars.High[i] - bars.Low[i]
		if rng <= 0 {
			rng = cfg.Tick
		}
		vol := bars.Volume[i]
		age := float64(n - 1 - i)
		decay := math.Exp(-age * ln2 / cfg.HalfLifeBars)
		w := math.Pow(vol, cfg.Alpha) * math.Pow(1/rng, 1-cfg.Alpha) * decay
		px := (bars.High[i] + bars.Low[i] + bars.Close[i]) / 3.0
		idx := int64(math.Round(px / cfg.Tick))
		agg[idx] += w
	}

	bins := make([]bin, 0, len(agg))
	for idx, score := range agg {
		bins = append(bins, bin{pxIndex: idx, score: score})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].pxIndex < bins[j].pxIndex })

	clustered := cluster(bins, cfg.MinSpacing)
	sort.Slice(clustered, func(i, j int) bool { return clustered[i].score > clustered[j].score })

	out := make([]model.HeatmapLevel, len(clustered))
	for i, b := range clustered {
		out[i] = model.HeatmapLevel{Px: float64(b.pxIndex) * cfg.Tick, Score: b.score}
	}
	return out
}

// cluster merges adjacent bins within minSpacing bins of each other,
// weighting the merged price by score.
func cluster(bins []bin, minSpacing int) []bin {
	if len(bins) == 0 {
		return nil
	}
	if minSpacing < 1 {
		minSpacing = 1
	}
	out := make([]bin, 0, len(bins))
	curIdx := float64(bins[0].pxIndex) * bins[0].score
	curScore := bins[0].score
	lastIdx := bins[0].pxIndex
	for i := 1; i < len(bins); i++ {
		b := bins[i]
		if b.pxIndex-lastIdx <= int64(minSpacing) {
			curIdx += float64(b.pxIndex) * b.score
			curScore += b.score
			lastIdx = b.pxIndex
			continue
		}
		out = append(out, bin{pxIndex: weightedIdx(curIdx, curScore), score: curScore})
		curIdx = float64(b.pxIndex) * b.score
		curScore = b.score
		lastIdx = b.pxIndex
	}
	out = append(out, bin{pxIndex: weightedIdx(curIdx, curScore), score: curScore})
	return out
}

func weightedIdx(weightedSum, totalScore float64) int64 {
	if totalScore == 0 {
		return 0
	}
	return int64(math.Round(weightedSum / totalScore))
}

// Multi is the set of per-timeframe level lists the confluence gate reads.
type Multi map[string][]model.HeatmapLevel

// ConfluenceResult reports whether price sits in a cross-TF cluster of
// stacked levels.
type ConfluenceResult struct {
	Near      bool
	Block     bool
	Why       string
	HitsAbove int
	HitsBelow int
}

// ConfluenceGate checks whether entering `side` at `price` walks into
// stacked levels across at least needTFs timeframes within tolPct of price.
// Mirrors the original's confluence_gate: only the top `topN` levels of
// each timeframe are considered.
func ConfluenceGate(hm Multi, price float64, side model.Side, tolPct float64, needTFs, topN int) ConfluenceResult {
	tfOrder := []string{"5m", "15m", "1h", "1d", "30d"}
	hitsAbove, hitsBelow := 0, 0
	for _, tf := range tfOrder {
		levels, ok := hm[tf]
		if !ok {
			continue
		}
		if len(levels) > topN {
			levels = levels[:topN]
		}
		above, below := nearestLevels(levels, price, tolPct)
		if above {
			hitsAbove++
		}
		if below {
			hitsBelow++
		}
	}
	res := ConfluenceResult{
		Near:      (hitsAbove + hitsBelow) > 0,
		HitsAbove: hitsAbove,
		HitsBelow: hitsBelow,
	}
	if side == model.Long && hitsAbove >= needTFs {
		res.Block = true
		res.Why = "near multi-TF resistance"
	}
	if side == model.Short && hitsBelow >= needTFs {
		res.Block = true
		res.Why = "near multi-TF support"
	}
	return res
}

func nearestLevels(levels []model.HeatmapLevel, price, tolPct float64) (above, below bool) {
	tol := tolPct * price
	for _, l := range levels {
		d := l.Px - price
		if d >= 0 && d <= tol {
			above = true
		}
		if d < 0 && -d <= tol {
			below = true
		}
	}
	return
}
