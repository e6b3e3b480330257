package module

import "fmt"

// AuditItem is one module's contribution to the federation-wide balance
// sheet: a signed amount (assets positive, liabilities negative) and a
// note identifying what it covers, for diagnostics if the invariant ever
// trips.
type AuditItem struct {
	ModuleInstanceID uint16
	Note             string
	Amount           int64
}

// Audit accumulates every module's balance-sheet contribution for one
// item-processor commit. The federation's net asset balance — the sum of
// every module's audit — must stay >= 0 after every committed item (spec
// §3); a negative value means storage corruption or a module invariant
// violation, and is fatal.
type Audit struct {
	items []AuditItem
}

func (a *Audit) Add(moduleInstanceID uint16, note string, amount int64) {
	a.items = append(a.items, AuditItem{ModuleInstanceID: moduleInstanceID, Note: note, Amount: amount})
}

func (a *Audit) NetAssets() int64 {
	var sum int64
	for _, it := range a.items {
		sum += it.Amount
	}
	return sum
}

func (a *Audit) String() string {
	return fmt.Sprintf("Audit{items=%d, net_assets=%d}", len(a.items), a.NetAssets())
}
