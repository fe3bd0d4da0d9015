package rewards

import (
	"fmt"
	"time"

	"github.com/warp/economy-engine/economy"
)

// DailyBonus pays the same reward once per UTC calendar day. The grant id
// is the date, so the idempotency key is per (principal, day).
type DailyBonus struct {
	Reward economy.Reward
}

// DefaultDailyReward is paid when configuration sets none.
var DefaultDailyReward = currency(25)

func (d *DailyBonus) Lookup(id string, now time.Time) (economy.Reward, error) {
	day, err := time.Parse(time.DateOnly, id)
	if err != nil {
		return economy.Reward{}, fmt.Errorf("%w: daily bonus id %q is not a date", economy.ErrUnknownGrant, id)
	}
	today := now.UTC().Format(time.DateOnly)
	if day.Format(time.DateOnly) != today {
		return economy.Reward{}, fmt.Errorf("%w: daily bonus for %s is not claimable on %s", economy.ErrGrantLocked, id, today)
	}
	return d.Reward, nil
}
