package domain

// Reason identifies which rule produced a proposed stop-loss, in priority
// order. StrictLoss is the floor every position carries from entry;
// Emergency is StrictLoss applied through the lock-free fallback path.
type Reason string

const (
	ReasonStrictLoss Reason = "STRICT_LOSS"
	ReasonSweetSpot  Reason = "SWEET_SPOT"
	ReasonTrailing   Reason = "TRAILING"
	ReasonNoUpdate   Reason = "NO_UPDATE"
	ReasonEmergency  Reason = "EMERGENCY"
)

// Protective reports whether the reason corresponds to a profit-protecting
// SL (at or above break-even). Early-exit paths require a verified
// protective state before closing.
func (r Reason) Protective() bool {
	return r == ReasonSweetSpot || r == ReasonTrailing
}
