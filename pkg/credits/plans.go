package credits

import (
	"fmt"
	"time"
)

// Catalog is the static mapping from plan to entitlement. Pure lookup, no
// mutable state.
type Catalog map[Plan]PlanDefinition

// DefaultCatalog returns the product's plan table.
func DefaultCatalog() Catalog {
	return Catalog{
		PlanFree:    {Quota: 5},
		PlanStarter: {Quota: 250, RenewalPeriodDays: 30},
		PlanPro:     {Quota: 1000, RenewalPeriodDays: 30},
		PlanPremium: {Quota: 3000, RenewalPeriodDays: 30},
	}
}

// QuotaFor returns the credit quota a plan confers.
// Unknown plans fail with ErrUnknownPlan, never a default.
func (c Catalog) QuotaFor(plan Plan) (int, error) {
	def, ok := c[plan]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return def.Quota, nil
}

// RenewalPeriodFor returns the plan's billing cycle length.
// Zero duration means the plan never renews.
func (c Catalog) RenewalPeriodFor(plan Plan) (time.Duration, error) {
	def, ok := c[plan]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return time.Duration(def.RenewalPeriodDays) * 24 * time.Hour, nil
}

// Contains reports whether the plan is in the catalog.
func (c Catalog) Contains(plan Plan) bool {
	_, ok := c[plan]
	return ok
}
