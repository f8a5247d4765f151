package domain

// Lifecycle event channels published on the EventBus and mirrored to
// WebSocket clients. Payloads are JSON objects produced by the service layer.
const (
	EventBondCreated    = "bond_created"
	EventBondActive     = "bond_active"
	EventBondExited     = "bond_exited"
	EventBondDefected   = "bond_defected"
	EventBondsFrozen    = "bonds_frozen"
	EventYieldClaimed   = "yield_claimed"
	EventLoanOpened     = "loan_opened"
	EventLoanRepaid     = "loan_repaid"
	EventLoanLiquidated = "loan_liquidated"
)
