package scheduler

import (
	"context"
	"time"

	"github.com/sawpanic/marginwatch/internal/models"
)

// Job names
const (
	JobMarketDataUpdates     = "market-data-updates"
	JobFrequentMarketUpdates = "frequent-market-updates"
	JobMarginChecks          = "margin-checks"
	JobAfterHoursMargin      = "after-hours-margin"
	JobDatabaseCleanup       = "database-cleanup"
)

// Trigger-only aliases that run a body directly
const (
	AliasMarginCheck       = "margin-check"
	AliasMarketDataRefresh = "market-data-refresh"
	AliasRetentionCleanup  = "retention-cleanup"
)

// Run groups. Jobs and aliases sharing a body share a group.
const (
	GroupMarketRefresh = "market-refresh"
	GroupMarginCheck   = "margin-check"
	GroupRetention     = "retention"
)

// Bodies are the job bodies the registry schedules
type Bodies interface {
	CheckMargins(ctx context.Context) (models.Report, error)
	RefreshMarketData(ctx context.Context) (models.Report, error)
	PruneQuotes(ctx context.Context) (models.Report, error)
}

// Flags enable job groups at Initialize
type Flags struct {
	MarketUpdates   bool
	MarginChecks    bool
	DatabaseCleanup bool
}

// DefaultJobs is the surveillance job registry. Market hours are 9:00-16:59 in
// loc, Monday to Friday. Cleanup runs at 02:00 UTC, a wall-clock time that
// exists every day.
func DefaultJobs(b Bodies, flags Flags, loc *time.Location) []Job {
	return []Job{
		{
			Name:        JobMarketDataUpdates,
			Group:       GroupMarketRefresh,
			Description: "Refresh quotes for held symbols during market hours",
			Cadence:     EveryMinutes(5, 9, 16, MonToFri, loc),
			Body:        b.RefreshMarketData,
			Enabled:     flags.MarketUpdates,
		},
		{
			Name:        JobFrequentMarketUpdates,
			Group:       GroupMarketRefresh,
			Description: "Minute-level quote refresh during market hours",
			Cadence:     EveryMinutes(1, 9, 16, MonToFri, loc),
			Body:        b.RefreshMarketData,
			Enabled:     flags.MarketUpdates,
		},
		{
			Name:        JobMarginChecks,
			Group:       GroupMarginCheck,
			Description: "Evaluate every account during market hours",
			Cadence:     EveryMinutes(2, 9, 16, MonToFri, loc),
			Body:        b.CheckMargins,
			Enabled:     flags.MarginChecks,
		},
		{
			Name:        JobAfterHoursMargin,
			Group:       GroupMarginCheck,
			Description: "Hourly margin evaluation outside market hours",
			Cadence:     Hourly(17, 8, loc),
			Body:        b.CheckMargins,
			Enabled:     flags.MarginChecks,
		},
		{
			Name:        JobDatabaseCleanup,
			Group:       GroupRetention,
			Description: "Delete quotes past the retention horizon",
			Cadence:     DailyAt(2, 0, time.UTC),
			Body:        b.PruneQuotes,
			Enabled:     flags.DatabaseCleanup,
		},
	}
}

// DefaultAliases maps the trigger-only names onto their bodies
func DefaultAliases(b Bodies) map[string]Alias {
	return map[string]Alias{
		AliasMarginCheck:       {Body: b.CheckMargins, Group: GroupMarginCheck},
		AliasMarketDataRefresh: {Body: b.RefreshMarketData, Group: GroupMarketRefresh},
		AliasRetentionCleanup:  {Body: b.PruneQuotes, Group: GroupRetention},
	}
}
