package taskname

const (
	// Settlement tasks
	SettlementApplyEvent = "settlement:event:apply"

	// Ledger tasks
	LedgerMaturePending = "ledger:pending:mature"

	// Payout tasks
	PayoutNotifyVendor  = "payout:vendor:notify"
	PayoutRetryTransfer = "payout:transfer:retry"
)
