// Package indicators computes the technical series the signal engines and
// guards are built on: moving averages, oscillators, volatility bands, and
// the Lorentzian distance metric used by the k-NN classifier.
package indicators

import "math"

// SMA returns the simple moving average series for period n.
// The first n-1 entries are NaN (insufficient lookback).
func SMA(src []float64, n int) []float64 {
	out := make([]float64, len(src))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(src) < n {
		return out
	}
	sum := 0.0
	for i, v := range src {
		sum += v
		if i >= n {
			sum -= src[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the exponential moving average series for period n, seeded
// with the SMA of the first n values.
func EMA(src []float64, n int) []float64 {
	out := make([]float64, len(src))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(src) < n {
		return out
	}
	k := 2.0 / (float64(n) + 1.0)
	seed := 0.0
	for i := 0; i < n; i++ {
		seed += src[i]
	}
	seed /= float64(n)
	out[n-1] = seed
	prev := seed
	for i := n; i < len(src); i++ {
		prev = src[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// LastEMA returns only the final EMA value, or NaN if the series is too short.
func LastEMA(src []float64, n int) float64 {
	e := EMA(src, n)
	if len(e) == 0 {
		return math.NaN()
	}
	return e[len(e)-1]
}

// RSI computes the Wilder-smoothed relative strength index for period n.
func RSI(close []float64, n int) []float64 {
	out := make([]float64, len(close))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(close) <= n {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i <= n; i++ {
		d := close[i] - close[i-1]
		if d > 0 {
			gainSum += d
		} else {
			lossSum += -d
		}
	}
	avgGain := gainSum / float64(n)
	avgLoss := lossSum / float64(n)
	out[n] = rsiFromAvg(avgGain, avgLoss)
	for i := n + 1; i < len(close); i++ {
		d := close[i] - close[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = rsiFromAvg(avgGain, avgLoss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACD returns the MACD line, signal line, and histogram for the standard
// (fast, slow, signal) periods.
func MACD(close []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	ef := EMA(close, fast)
	es := EMA(close, slow)
	n := len(close)
	macd = make([]float64, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(ef[i]) || math.IsNaN(es[i]) {
			macd[i] = math.NaN()
		} else {
			macd[i] = ef[i] - es[i]
		}
	}
	sig = emaSkipNaN(macd, signal)
	hist = make([]float64, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(macd[i]) || math.IsNaN(sig[i]) {
			hist[i] = math.NaN()
		} else {
			hist[i] = macd[i] - sig[i]
		}
	}
	return
}

func emaSkipNaN(src []float64, n int) []float64 {
	out := make([]float64, len(src))
	for i := range out {
		out[i] = math.NaN()
	}
	start := -1
	for i, v := range src {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start == -1 || len(src)-start < n {
		return out
	}
	clean := src[start:]
	e := EMA(clean, n)
	copy(out[start:], e)
	return out
}

// ATR computes the Wilder-smoothed average true range for period n.
func ATR(high, low, close []float64, n int) []float64 {
	m := len(close)
	tr := make([]float64, m)
	for i := 0; i < m; i++ {
		if i == 0 {
			tr[i] = high[i] - low[i]
			continue
		}
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	out := make([]float64, m)
	for i := range out {
		out[i] = math.NaN()
	}
	if m <= n {
		return out
	}
	sum := 0.0
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	avg := sum / float64(n)
	out[n] = avg
	for i := n + 1; i < m; i++ {
		avg = (avg*float64(n-1) + tr[i]) / float64(n)
		out[i] = avg
	}
	return out
}

// LastATR returns only the final ATR value.
func LastATR(high, low, close []float64, n int) float64 {
	a := ATR(high, low, close, n)
	if len(a) == 0 {
		return math.NaN()
	}
	return a[len(a)-1]
}

// ADX computes the Wilder average directional index together with +DI/-DI
// for period n.
func ADX(high, low, close []float64, n int) (adx, plusDI, minusDI []float64) {
	m := len(close)
	adx = nanSlice(m)
	plusDI = nanSlice(m)
	minusDI = nanSlice(m)
	if m <= 2*n {
		return
	}
	tr := make([]float64, m)
	plusDM := make([]float64, m)
	minusDM := make([]float64, m)
	for i := 1; i < m; i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var trN, pdmN, mdmN float64
	for i := 1; i <= n; i++ {
		trN += tr[i]
		pdmN += plusDM[i]
		mdmN += minusDM[i]
	}
	dxs := make([]float64, m)
	for i := range dxs {
		dxs[i] = math.NaN()
	}
	setDI := func(i int) {
		if trN == 0 {
			plusDI[i], minusDI[i] = 0, 0
			return
		}
		plusDI[i] = 100 * pdmN / trN
		minusDI[i] = 100 * mdmN / trN
		sumDI := plusDI[i] + minusDI[i]
		if sumDI == 0 {
			dxs[i] = 0
		} else {
			dxs[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sumDI
		}
	}
	setDI(n)
	for i := n + 1; i < m; i++ {
		trN = trN - trN/float64(n) + tr[i]
		pdmN = pdmN - pdmN/float64(n) + plusDM[i]
		mdmN = mdmN - mdmN/float64(n) + minusDM[i]
		setDI(i)
	}
	sum := 0.0
	cnt := 0
	for i := n; i < n+n && i < m; i++ {
		if !math.IsNaN(dxs[i]) {
			sum += dxs[i]
			cnt++
		}
	}
	if cnt < n {
		return
	}
	avgDX := sum / float64(n)
	adx[2*n-1] = avgDX
	for i := 2 * n; i < m; i++ {
		avgDX = (avgDX*float64(n-1) + dxs[i]) / float64(n)
		adx[i] = avgDX
	}
	return
}

// LastADX returns only the final ADX value.
func LastADX(high, low, close []float64, n int) float64 {
	a, _, _ := ADX(high, low, close, n)
	if len(a) == 0 {
		return math.NaN()
	}
	return a[len(a)-1]
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// VWAP computes the session (cumulative, from index 0) volume-weighted
// average price series using typical price.
func VWAP(high, low, close, volume []float64) []float64 {
	n := len(close)
	out := nanSlice(n)
	var cumPV, cumV float64
	for i := 0; i < n; i++ {
		tp := (high[i] + low[i] + close[i]) / 3.0
		cumPV += tp * volume[i]
		cumV += volume[i]
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

// AnchoredVWAP computes VWAP anchored at bar index `anchor` (inclusive).
// Bars before the anchor are NaN.
func AnchoredVWAP(high, low, close, volume []float64, anchor int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if anchor < 0 || anchor >= n {
		return out
	}
	var cumPV, cumV float64
	for i := anchor; i < n; i++ {
		tp := (high[i] + low[i] + close[i]) / 3.0
		cumPV += tp * volume[i]
		cumV += volume[i]
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

// RegressionTrendline fits an ordinary least squares line over the last n
// closes and returns (slope, intercept) where x=0 is the oldest bar in the
// window. Returns NaN slope if fewer than n bars are available.
func RegressionTrendline(close []float64, n int) (slope, intercept float64) {
	if len(close) < n || n < 2 {
		return math.NaN(), math.NaN()
	}
	window := close[len(close)-n:]
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / nf
	}
	slope = (nf*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / nf
	return
}

// TrendlineBreak reports whether the latest close breaks above (long=true)
// or below (long=false) the regression trendline projected to the last bar.
func TrendlineBreak(close []float64, n int, long bool) bool {
	slope, intercept := RegressionTrendline(close, n)
	if math.IsNaN(slope) {
		return false
	}
	proj := intercept + slope*float64(n-1)
	last := close[len(close)-1]
	if long {
		return last > proj
	}
	return last < proj
}

// RegressionChannelWidth returns the vertical spread between the actual
// closes and the fitted regression trendline over the last n bars: the
// distance from the lowest to the highest residual in the window. A wide
// channel means price is swinging well clear of the trendline; a narrow
// one means price is hugging it too tightly to trust a break.
func RegressionChannelWidth(close []float64, n int) float64 {
	if len(close) < n || n < 2 {
		return math.NaN()
	}
	slope, intercept := RegressionTrendline(close, n)
	window := close[len(close)-n:]
	maxResid, minResid := math.Inf(-1), math.Inf(1)
	for i, y := range window {
		resid := y - (intercept + slope*float64(i))
		if resid > maxResid {
			maxResid = resid
		}
		if resid < minResid {
			minResid = resid
		}
	}
	return maxResid - minResid
}

// CCI computes the commodity channel index for period n.
func CCI(high, low, close []float64, n int) []float64 {
	m := len(close)
	out := nanSlice(m)
	if m < n {
		return out
	}
	tp := make([]float64, m)
	for i := 0; i < m; i++ {
		tp[i] = (high[i] + low[i] + close[i]) / 3.0
	}
	for i := n - 1; i < m; i++ {
		window := tp[i-n+1 : i+1]
		var sum float64
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(n)
		var dev float64
		for _, v := range window {
			dev += math.Abs(v - mean)
		}
		meanDev := dev / float64(n)
		if meanDev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - mean) / (0.015 * meanDev)
	}
	return out
}

// WaveTrend computes the LazyBear WaveTrend oscillator (wt1, wt2) with the
// conventional channel/average lengths.
func WaveTrend(high, low, close []float64, chLen, avgLen, sigLen int) (wt1, wt2 []float64) {
	m := len(close)
	hlc3 := make([]float64, m)
	for i := 0; i < m; i++ {
		hlc3[i] = (high[i] + low[i] + close[i]) / 3.0
	}
	esa := EMA(hlc3, chLen)
	d := make([]float64, m)
	for i := 0; i < m; i++ {
		if math.IsNaN(esa[i]) {
			d[i] = math.NaN()
			continue
		}
		d[i] = math.Abs(hlc3[i] - esa[i])
	}
	deEma := emaSkipNaN(d, chLen)
	ci := nanSlice(m)
	for i := 0; i < m; i++ {
		if math.IsNaN(esa[i]) || math.IsNaN(deEma[i]) || deEma[i] == 0 {
			continue
		}
		ci[i] = (hlc3[i] - esa[i]) / (0.015 * deEma[i])
	}
	tci := emaSkipNaN(ci, avgLen)
	wt1 = tci
	wt2 = SMA(replaceNaN(tci, 0), sigLen)
	for i := 0; i < m; i++ {
		if math.IsNaN(tci[i]) {
			wt2[i] = math.NaN()
		}
	}
	return
}

func replaceNaN(src []float64, v float64) []float64 {
	out := make([]float64, len(src))
	for i, x := range src {
		if math.IsNaN(x) {
			out[i] = v
		} else {
			out[i] = x
		}
	}
	return out
}

// LorentzianDistance is the k-NN classifier's distance metric:
// sum of ln(1+|a_i-b_i|) over the shared prefix of a and b.
func LorentzianDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Log1p(math.Abs(a[i] - b[i]))
	}
	return sum
}
