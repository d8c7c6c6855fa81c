package domain

import "time"

// Candidate is a scan-time entry candidate: one symbol snapshot plus the
// quality features the filter pipeline gates on.
type Candidate struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	QualityScore float64   `json:"quality_score"`
	BarVolume    float64   `json:"bar_volume"`
	ScannedAt    time.Time `json:"scanned_at"`
}

// RejectReason is the structured reason a candidate was dropped by the
// filter pipeline. Each gate owns exactly one reason.
type RejectReason string

const (
	RejectSpread        RejectReason = "RISK_CHECK_SPREAD"
	RejectMarketClosing RejectReason = "MARKET_CLOSING"
	RejectVolumeLow     RejectReason = "VOLUME_LOW"
	RejectNewsWindow    RejectReason = "NEWS_WINDOW"
	RejectQualityScore  RejectReason = "QUALITY_SCORE"
	RejectMaxTrades     RejectReason = "MAX_TRADES"
)

// CloseReason tags why a position left the book.
type CloseReason string

const (
	CloseStopLossHit CloseReason = "SL_HIT"
	CloseMicroProfit CloseReason = "MICRO_PROFIT"
	CloseCompliance  CloseReason = "COMPLIANCE_OVERNIGHT"
	CloseExternal    CloseReason = "EXTERNAL"
	CloseUnknown     CloseReason = "UNKNOWN"
)
