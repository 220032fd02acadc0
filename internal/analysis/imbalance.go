// Package analysis implements stateless Smart-Money pattern detection
// over candle windows. Detectors never block and never touch I/O.
package analysis

import (
	"bybit-alert-bot/internal/market"
)

// ImbalanceKind identifies the detected pattern.
type ImbalanceKind string

const (
	KindFVG     ImbalanceKind = "FVG"
	KindOB      ImbalanceKind = "OB"
	KindBreaker ImbalanceKind = "BREAKER"
)

// Direction tags the pattern with its market bias.
type Direction string

const (
	DirectionBull Direction = "BULL"
	DirectionBear Direction = "BEAR"
)

// Imbalance describes a displacement-induced inefficiency in recent
// price action.
type Imbalance struct {
	Kind      ImbalanceKind `json:"kind"`
	Direction Direction     `json:"direction"`
	Strength  float64       `json:"strength"` // percent
	Top       float64       `json:"top"`
	Bottom    float64       `json:"bottom"`
	Timestamp int64         `json:"timestamp"` // open time of the anchoring candle, ms
}

// ImbalanceConfig holds the detection thresholds. All values are percents
// and come from the live settings snapshot.
type ImbalanceConfig struct {
	FVGEnabled          bool
	OrderBlockEnabled   bool
	BreakerEnabled      bool
	MinGapPercent       float64 // minimum FVG gap
	OrderBlockMovePct   float64 // minimum displacement away from the block
	BreakerMovePct      float64 // minimum break beyond the range extreme
}

const (
	orderBlockWindow = 9
	breakerWindow    = 14
)

// ImbalanceDetector scans a candle window for FVG, Order Block and
// Breaker Block patterns. The first match, checked in that order, wins.
type ImbalanceDetector struct {
	cfg ImbalanceConfig
}

// NewImbalanceDetector creates a detector with the given thresholds.
func NewImbalanceDetector(cfg ImbalanceConfig) *ImbalanceDetector {
	return &ImbalanceDetector{cfg: cfg}
}

// Detect inspects the window ending at the current candle and returns the
// highest-precedence pattern, or nil when nothing matches. The same input
// always yields the same output.
func (d *ImbalanceDetector) Detect(candles []market.Candle) *Imbalance {
	if d.cfg.FVGEnabled {
		if imb := d.detectFVG(candles); imb != nil {
			return imb
		}
	}
	if d.cfg.OrderBlockEnabled {
		if imb := d.detectOrderBlock(candles); imb != nil {
			return imb
		}
	}
	if d.cfg.BreakerEnabled {
		if imb := d.detectBreaker(candles); imb != nil {
			return imb
		}
	}
	return nil
}

// detectFVG checks the last three candles [p, c, n] where n is the
// current candle. The gap is measured between the outer candles; the
// middle candle's direction sets the bias.
func (d *ImbalanceDetector) detectFVG(candles []market.Candle) *Imbalance {
	if len(candles) < 3 {
		return nil
	}
	p := candles[len(candles)-3]
	c := candles[len(candles)-2]
	n := candles[len(candles)-1]

	if p.Low > n.High && c.IsBullish() {
		strength := (p.Low - n.High) / n.High * 100
		if strength >= d.cfg.MinGapPercent {
			return &Imbalance{
				Kind:      KindFVG,
				Direction: DirectionBull,
				Strength:  strength,
				Top:       p.Low,
				Bottom:    n.High,
				Timestamp: c.OpenTime,
			}
		}
	}

	if p.High < n.Low && !c.IsBullish() {
		strength := (n.Low - p.High) / p.High * 100
		if strength >= d.cfg.MinGapPercent {
			return &Imbalance{
				Kind:      KindFVG,
				Direction: DirectionBear,
				Strength:  strength,
				Top:       n.Low,
				Bottom:    p.High,
				Timestamp: c.OpenTime,
			}
		}
	}

	return nil
}

// detectOrderBlock looks for the most recent opposing candle in the nine
// candles before the current one and requires a displacement beyond it.
func (d *ImbalanceDetector) detectOrderBlock(candles []market.Candle) *Imbalance {
	if len(candles) < orderBlockWindow+1 {
		return nil
	}
	x := candles[len(candles)-1]
	window := candles[len(candles)-1-orderBlockWindow : len(candles)-1]

	if x.IsBullish() {
		for i := len(window) - 1; i >= 0; i-- {
			b := window[i]
			if b.IsBullish() {
				continue
			}
			move := (x.Close - b.High) / b.High * 100
			if move >= d.cfg.OrderBlockMovePct {
				return &Imbalance{
					Kind:      KindOB,
					Direction: DirectionBull,
					Strength:  move,
					Top:       b.High,
					Bottom:    b.Low,
					Timestamp: x.OpenTime,
				}
			}
			return nil
		}
		return nil
	}

	for i := len(window) - 1; i >= 0; i-- {
		b := window[i]
		if !b.IsBullish() {
			continue
		}
		move := (b.Low - x.Close) / b.Low * 100
		if move >= d.cfg.OrderBlockMovePct {
			return &Imbalance{
				Kind:      KindOB,
				Direction: DirectionBear,
				Strength:  move,
				Top:       b.High,
				Bottom:    b.Low,
				Timestamp: x.OpenTime,
			}
		}
		return nil
	}
	return nil
}

// detectBreaker requires the current candle to close beyond the extreme
// of the previous fourteen candles by the configured margin.
func (d *ImbalanceDetector) detectBreaker(candles []market.Candle) *Imbalance {
	if len(candles) < breakerWindow+1 {
		return nil
	}
	x := candles[len(candles)-1]
	window := candles[len(candles)-1-breakerWindow : len(candles)-1]

	high := window[0].High
	low := window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}

	if x.IsBullish() && x.Close > high {
		move := (x.Close - high) / high * 100
		if move >= d.cfg.BreakerMovePct {
			return &Imbalance{
				Kind:      KindBreaker,
				Direction: DirectionBull,
				Strength:  move,
				Top:       x.Close,
				Bottom:    high,
				Timestamp: x.OpenTime,
			}
		}
	}

	if !x.IsBullish() && x.Close < low {
		move := (low - x.Close) / low * 100
		if move >= d.cfg.BreakerMovePct {
			return &Imbalance{
				Kind:      KindBreaker,
				Direction: DirectionBear,
				Strength:  move,
				Top:       low,
				Bottom:    x.Close,
				Timestamp: x.OpenTime,
			}
		}
	}

	return nil
}
