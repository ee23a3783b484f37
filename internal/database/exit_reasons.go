package database

import "fmt"

// Exit reasons stored verbatim in trades.exit_reason. User-visible failure
// modes are expressed through this taxonomy, not through errors.
const (
	ExitErosionCapProtected          = "erosion_cap_protected"
	ExitGreenToRed                   = "green_to_red"
	ExitUnderwaterProfitableCollapse = "underwater_profitable_collapse"
	ExitUnderwaterSmallPeakTimeout   = "underwater_small_peak_timeout"
	ExitUnderwaterNeverProfited      = "underwater_never_profited"
	ExitStaleUnderwater              = "stale_underwater"
	ExitStaleFlatTrade               = "stale_flat_trade"
	ExitStopLoss                     = "stop_loss"
	ExitProfitTarget                 = "profit_target"
	ExitEmergencyStop                = "emergency_stop"
	ExitMomentumFailureEarly         = "momentum_failure_early"
	ExitMomentumFailureLate          = "momentum_failure_late"
)

// ExitTimeHours builds the time_exit_<N>_hours reason
func ExitTimeHours(hours int) string {
	return fmt.Sprintf("time_exit_%d_hours", hours)
}

// IsProfitProtectionExit reports whether a reason claims the trade is still
// green. The close path refuses these for trades that have gone red.
func IsProfitProtectionExit(reason string) bool {
	return reason == ExitErosionCapProtected || reason == ExitProfitTarget
}
