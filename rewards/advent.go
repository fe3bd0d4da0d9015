package rewards

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// ADVENT CALENDAR
// =============================================================================

// AdventDays is the number of doors in the calendar.
const AdventDays = 24

// DefaultAdventRewards returns the stock day-to-reward table.
func DefaultAdventRewards() map[int]economy.Reward {
	return map[int]economy.Reward{
		1:  currency(100),
		2:  tokens(50),
		3:  orbs(5),
		4:  currency(150),
		5:  tokens(75),
		6:  orbs(5),
		7:  currency(200),
		8:  tokens(100),
		9:  orbs(10),
		10: currency(250),
		11: tokens(125),
		12: orbs(10),
		13: currency(300),
		14: tokens(150),
		15: orbs(15),
		16: currency(350),
		17: tokens(175),
		18: orbs(15),
		19: currency(400),
		20: tokens(200),
		21: orbs(20),
		22: currency(500),
		23: tokens(250),
		24: orbs(50),
	}
}

// AdventCalendar unlocks day N at 00:00 UTC on December N of its year.
//
// A grant id names both the calendar year and the door, "YYYY-D" (for
// example "2026-3"), so each year's calendar has its own idempotency keys.
// A non-zero Year serves only that year's calendar; a zero Year serves any
// year, with doors of a future year still locked.
type AdventCalendar struct {
	Year    int
	Rewards map[int]economy.Reward
}

func NewAdventCalendar(year int) *AdventCalendar {
	return &AdventCalendar{Year: year, Rewards: DefaultAdventRewards()}
}

// AdventGrantID formats the grant id of day in year.
func AdventGrantID(year, day int) string {
	return fmt.Sprintf("%d-%d", year, day)
}

func (a *AdventCalendar) Lookup(id string, now time.Time) (economy.Reward, error) {
	year, day, ok := parseAdventID(id)
	if !ok || day < 1 || day > AdventDays {
		return economy.Reward{}, fmt.Errorf("%w: advent id %q, want YYYY-D", economy.ErrUnknownGrant, id)
	}
	if a.Year != 0 && year != a.Year {
		return economy.Reward{}, fmt.Errorf("%w: no advent calendar for %d", economy.ErrUnknownGrant, year)
	}
	reward, ok := a.Rewards[day]
	if !ok {
		return economy.Reward{}, fmt.Errorf("%w: advent day %d has no reward", economy.ErrUnknownGrant, day)
	}

	if unlock := a.UnlocksAt(year, day); now.UTC().Before(unlock) {
		return economy.Reward{}, fmt.Errorf("%w: advent %s opens %s", economy.ErrGrantLocked, id, unlock.Format(time.DateOnly))
	}
	return reward, nil
}

func parseAdventID(id string) (year, day int, ok bool) {
	y, d, found := strings.Cut(strings.TrimSpace(id), "-")
	if !found || len(y) != 4 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(y)
	if err != nil {
		return 0, 0, false
	}
	day, err = strconv.Atoi(d)
	if err != nil {
		return 0, 0, false
	}
	return year, day, true
}

// UnlocksAt returns when day opens in year.
func (a *AdventCalendar) UnlocksAt(year, day int) time.Time {
	return time.Date(year, time.December, day, 0, 0, 0, 0, time.UTC)
}
