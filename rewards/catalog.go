package rewards

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// CATALOG - economy.RewardCatalog over per-kind tables
// =============================================================================

// Config overrides the stock tables. Zero values keep the defaults.
type Config struct {
	AdventYear int
	Advent     map[int]economy.Reward // replaces single days
	Daily      *economy.Reward
}

// Catalog routes a grant key to the table of its kind.
type Catalog struct {
	tables map[economy.GrantKind]Table
	clock  func() time.Time
}

// NewCatalog builds the advent and daily tables from cfg.
func NewCatalog(cfg Config) (*Catalog, error) {
	advent := NewAdventCalendar(cfg.AdventYear)
	for day, r := range cfg.Advent {
		if day < 1 || day > AdventDays {
			return nil, fmt.Errorf("advent override: day %d out of range 1-%d", day, AdventDays)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("advent override day %d: %w", day, err)
		}
		advent.Rewards[day] = r
	}

	daily := &DailyBonus{Reward: DefaultDailyReward}
	if cfg.Daily != nil {
		if err := cfg.Daily.Validate(); err != nil {
			return nil, fmt.Errorf("daily override: %w", err)
		}
		daily.Reward = *cfg.Daily
	}

	c := NewEmptyCatalog()
	c.Register(KindAdvent, advent)
	c.Register(KindDaily, daily)
	return c, nil
}

// NewEmptyCatalog returns a catalog with no tables.
func NewEmptyCatalog() *Catalog {
	return &Catalog{tables: make(map[economy.GrantKind]Table), clock: time.Now}
}

// Register installs or replaces the table of kind.
func (c *Catalog) Register(kind economy.GrantKind, t Table) {
	c.tables[kind] = t
}

// WithClock replaces the time source used for claimability.
func (c *Catalog) WithClock(clock func() time.Time) *Catalog {
	c.clock = clock
	return c
}

// Kinds lists the registered grant kinds, sorted.
func (c *Catalog) Kinds() []economy.GrantKind {
	kinds := make([]economy.GrantKind, 0, len(c.tables))
	for k := range c.tables {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (c *Catalog) Reward(_ context.Context, key economy.GrantKey) (economy.Reward, error) {
	t, ok := c.tables[key.Kind]
	if !ok {
		return economy.Reward{}, fmt.Errorf("%w: grant kind %q", economy.ErrUnknownGrant, key.Kind)
	}
	return t.Lookup(key.ID, c.clock())
}

var _ economy.RewardCatalog = (*Catalog)(nil)
