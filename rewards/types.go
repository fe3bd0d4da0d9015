/*
Package rewards provides the reward tables behind one-time grants.

PURPOSE:
  The engine pays a grant by looking up its reward here. Tables are static
  data plus a claimability rule; they never touch a ledger.

GRANT KINDS:
  advent: 24-day calendar, id YYYY-D, day D claimable from December D
  daily:  one bonus per calendar day, id is the date (YYYY-MM-DD)

EXAMPLE FLOW:
  1. Player opens day 3 of the 2026 advent calendar on December 5
  2. Catalog resolves (advent, "2026-3") to 5 orbs
  3. RewardDistributor pays 5 orbs and records the grant
  4. Opening 2026-3 again is RejectedDuplicate; 2027-3 is a new grant

SEE ALSO:
  - advent.go: AdventCalendar
  - daily.go: DailyBonus
  - catalog.go: Routing by grant kind, config overrides
  - economy/distributor.go: Pays what the catalog resolves
*/
package rewards

import (
	"time"

	"github.com/warp/economy-engine/economy"
)

// Grant kinds served by the default catalog.
const (
	KindAdvent economy.GrantKind = "advent"
	KindDaily  economy.GrantKind = "daily"
)

// Table resolves the reward of one grant id within a grant kind.
// It returns economy.ErrUnknownGrant for ids it does not define and
// economy.ErrGrantLocked for ids that are not claimable at now.
type Table interface {
	Lookup(id string, now time.Time) (economy.Reward, error)
}

func currency(n int64) economy.Reward {
	return economy.Reward{Kind: economy.LedgerCurrency, Amount: n}
}

func tokens(n int64) economy.Reward {
	return economy.Reward{Kind: economy.LedgerTokens, Amount: n}
}

func orbs(n int64) economy.Reward {
	return economy.Reward{Kind: economy.LedgerOrbs, Amount: n}
}
