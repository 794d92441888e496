package market

import "time"

// Candle 表示一根历史 K 线，时间戳为 Unix 秒。
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type Candles []Candle

func (c Candle) Mid() float64 {
	return (c.High + c.Low) / 2
}

func (c Candle) TimeString() string {
	if c.Timestamp <= 0 {
		return "-"
	}
	return time.Unix(c.Timestamp, 0).UTC().Format("01-02 15:04") + "Z"
}

func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// AvgVolume 返回窗口内成交量均值，空窗口返回 0。
func (cs Candles) AvgVolume() float64 {
	if len(cs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cs {
		sum += c.Volume
	}
	return sum / float64(len(cs))
}

// MidSeries 返回每根 K 线的中间价序列。
func (cs Candles) MidSeries() []float64 {
	if len(cs) == 0 {
		return nil
	}
	out := make([]float64, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Mid())
	}
	return out
}
