package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

type fakeCalendarRepo struct {
	rules map[string][]*dbstore.CalendarRule
}

func (f *fakeCalendarRepo) RulesForPool(ctx context.Context, poolID string) ([]*dbstore.CalendarRule, error) {
	return f.rules[poolID], nil
}

func TestIsAccessAllowedFirstMatchingRuleWins(t *testing.T) {
	// Monday 2024-01-01 is a Monday; rule 1 denies 09:00-17:00 on
	// weekdays (higher priority, evaluated first), rule 2 allows all day.
	repo := &fakeCalendarRepo{rules: map[string][]*dbstore.CalendarRule{
		"pool-1": {
			{ID: "deny-business-hours", PoolID: "pool-1", Priority: 1, CronSpec: "0 9 * * 1-5", DurationMinutes: 8 * 60, Access: false},
			{ID: "allow-all", PoolID: "pool-1", Priority: 2, CronSpec: "0 0 * * *", DurationMinutes: 24 * 60, Access: true},
		},
	}}

	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	allowed, err := IsAccessAllowed(context.Background(), repo, "pool-1", noon, true)
	require.NoError(t, err)
	assert.False(t, allowed, "business-hours deny rule should win over the all-day allow rule")
}

func TestIsAccessAllowedFallsThroughToLaterRuleOutsideWindow(t *testing.T) {
	repo := &fakeCalendarRepo{rules: map[string][]*dbstore.CalendarRule{
		"pool-1": {
			{ID: "deny-business-hours", PoolID: "pool-1", Priority: 1, CronSpec: "0 9 * * 1-5", DurationMinutes: 8 * 60, Access: false},
			{ID: "allow-all", PoolID: "pool-1", Priority: 2, CronSpec: "0 0 * * *", DurationMinutes: 24 * 60, Access: true},
		},
	}}

	lateNight := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	allowed, err := IsAccessAllowed(context.Background(), repo, "pool-1", lateNight, false)
	require.NoError(t, err)
	assert.True(t, allowed, "outside business hours the all-day allow rule should match")
}

func TestIsAccessAllowedFallbackWhenNoRuleMatches(t *testing.T) {
	repo := &fakeCalendarRepo{rules: map[string][]*dbstore.CalendarRule{
		"pool-1": {
			{ID: "deny-weekend", PoolID: "pool-1", Priority: 1, CronSpec: "0 0 * * 6,0", DurationMinutes: 24 * 60, Access: false},
		},
	}}

	// A Tuesday never matches a Saturday/Sunday-only rule.
	tuesday := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	allowed, err := IsAccessAllowed(context.Background(), repo, "pool-1", tuesday, true)
	require.NoError(t, err)
	assert.True(t, allowed, "no rule matched, fallback access applies")

	allowedFalse, err := IsAccessAllowed(context.Background(), repo, "pool-1", tuesday, false)
	require.NoError(t, err)
	assert.False(t, allowedFalse)
}

func TestIsAccessAllowedNoRulesUsesFallback(t *testing.T) {
	repo := &fakeCalendarRepo{rules: map[string][]*dbstore.CalendarRule{}}

	allowed, err := IsAccessAllowed(context.Background(), repo, "pool-missing", time.Now(), true)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestParseFieldSupportsListsRangesAndSteps(t *testing.T) {
	set, err := parseField("0,15,30,45", 0, 59)
	require.NoError(t, err)
	assert.True(t, set.matches(15))
	assert.False(t, set.matches(20))

	rangeSet, err := parseField("9-17", 0, 23)
	require.NoError(t, err)
	assert.True(t, rangeSet.matches(12))
	assert.False(t, rangeSet.matches(8))

	stepSet, err := parseField("*/15", 0, 59)
	require.NoError(t, err)
	assert.True(t, stepSet.matches(0))
	assert.True(t, stepSet.matches(45))
	assert.False(t, stepSet.matches(10))
}

func TestParseScheduleRejectsWrongFieldCount(t *testing.T) {
	_, err := parseSchedule("0 9 * *")
	assert.Error(t, err)
}

func TestWindowActiveHonorsDuration(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC) // a Monday
	active, err := windowActive("0 9 * * 1-5", 60, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, active)

	inactive, err := windowActive("0 9 * * 1-5", 60, start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.False(t, inactive)
}
