package market

// MinuteMs is the width of one kline interval in milliseconds.
const MinuteMs int64 = 60_000

// Candle is a one-minute OHLCV record for a (symbol, open-time) pair.
// While IsClosed is false the price fields track the in-progress candle;
// once closed the tuple is frozen.
type Candle struct {
	Symbol   string  `json:"symbol"`
	OpenTime int64   `json:"open_time"` // UTC epoch ms, minute-aligned once closed
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"` // base asset
	IsClosed bool    `json:"is_closed"`
}

// CloseTime returns the candle's close boundary in epoch ms.
func (c Candle) CloseTime() int64 {
	return c.OpenTime + MinuteMs
}

// IsBullish reports whether the candle closed (or is currently trading)
// above its open.
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// QuoteVolume returns the notional volume in the quote asset.
func (c Candle) QuoteVolume() float64 {
	return c.Volume * c.Close
}

// AlignToMinute floors an epoch-ms timestamp to its minute boundary.
func AlignToMinute(ts int64) int64 {
	return ts - ts%MinuteMs
}
