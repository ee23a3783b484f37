package marketdata

import (
	"github.com/markcheno/go-talib"

	"spot-trading-engine/internal/exchange"
)

const (
	adxPeriod       = 14
	rsiPeriod       = 14
	volumeAvgPeriod = 20
)

// ComputeIndicators derives the indicator snapshot from 1h candles. It needs
// at least 2*adxPeriod bars for a stable ADX; with fewer bars the zero value
// is returned and the entry filter rejects the pair on data quality.
func ComputeIndicators(candles []exchange.Candle) Indicators {
	if len(candles) < 2*adxPeriod {
		return Indicators{}
	}

	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	volume := make([]float64, len(candles))
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
		volume[i] = c.Volume
	}

	ind := Indicators{}

	adx := talib.Adx(high, low, closes, adxPeriod)
	ind.ADX = adx[len(adx)-1]
	// Slope over the last three bars, per bar.
	if len(adx) >= 3 {
		ind.ADXSlope = (adx[len(adx)-1] - adx[len(adx)-3]) / 2
	}

	rsi := talib.Rsi(closes, rsiPeriod)
	ind.RSI = rsi[len(rsi)-1]

	last := closes[len(closes)-1]
	if prev := closes[len(closes)-2]; prev > 0 {
		ind.Momentum1h = (last - prev) / prev * 100
	}
	if len(closes) >= 5 {
		if ref := closes[len(closes)-5]; ref > 0 {
			ind.Momentum4h = (last - ref) / ref * 100
		}
	}

	if len(volume) > volumeAvgPeriod {
		var sum float64
		for _, v := range volume[len(volume)-volumeAvgPeriod-1 : len(volume)-1] {
			sum += v
		}
		if avg := sum / volumeAvgPeriod; avg > 0 {
			ind.VolumeRatio = volume[len(volume)-1] / avg
		}
	}

	if open := candles[len(candles)-1].Open; open > 0 {
		ind.IntrabarMomentum = (last - open) / open * 100
	}

	return ind
}
