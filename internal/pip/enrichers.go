package pip

import (
	"context"
	"fmt"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// AgentProfile is what the agent directory knows about an agent.
type AgentProfile struct {
	Type           string
	TrustScore     float64
	ClearanceLevel string
	Roles          []string
}

// AgentDirectory resolves agent identities to profiles.
type AgentDirectory interface {
	Lookup(ctx context.Context, agentID string) (AgentProfile, bool, error)
}

// ResourceInfo is what the resource catalog knows about a resource.
type ResourceInfo struct {
	DataType         string
	SensitivityLevel string
	Owner            string
}

// ResourceCatalog resolves resource identifiers to metadata.
type ResourceCatalog interface {
	Describe(ctx context.Context, resource string) (ResourceInfo, bool, error)
}

// AttemptTracker counts recent denied or failed requests per agent.
type AttemptTracker interface {
	RecentFailures(agentID string, window time.Duration) int
}

// HolidayCalendar reports organization-wide holidays.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// FixedCalendar is a HolidayCalendar over an explicit date set.
type FixedCalendar map[string]struct{}

// NewFixedCalendar builds a calendar from "2006-01-02" date strings.
func NewFixedCalendar(dates []string) (FixedCalendar, error) {
	cal := make(FixedCalendar, len(dates))
	for _, d := range dates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		cal[d] = struct{}{}
	}
	return cal, nil
}

func (c FixedCalendar) IsHoliday(t time.Time) bool {
	_, ok := c[t.Format("2006-01-02")]
	return ok
}

// TimeEnricher adds temporal attributes: business hours, weekend flag,
// and the local hour in the configured zone.
type TimeEnricher struct {
	start, end string // "HH:MM" bounds, local to loc
	loc        *time.Location
	holidays   HolidayCalendar
}

// NewTimeEnricher creates the time enricher. loc may be nil for UTC.
func NewTimeEnricher(start, end string, loc *time.Location) *TimeEnricher {
	if loc == nil {
		loc = time.UTC
	}
	if start == "" {
		start = "09:00"
	}
	if end == "" {
		end = "17:00"
	}
	return &TimeEnricher{start: start, end: end, loc: loc}
}

// SetHolidayCalendar installs an optional holiday source. Holidays count
// as non-business days. Must be called before the registry starts
// serving requests.
func (e *TimeEnricher) SetHolidayCalendar(cal HolidayCalendar) {
	e.holidays = cal
}

func (e *TimeEnricher) Name() string { return "time" }

func (e *TimeEnricher) Enrich(_ context.Context, dctx *decision.Context) (map[string]any, error) {
	local := dctx.Timestamp.In(e.loc)
	clock := local.Format("15:04")
	weekday := local.Weekday()
	isWeekend := weekday == time.Saturday || weekday == time.Sunday
	isHoliday := e.holidays != nil && e.holidays.IsHoliday(local)

	return map[string]any{
		"localTime":       clock,
		"dayOfWeek":       weekday.String(),
		"isWeekend":       isWeekend,
		"isHoliday":       isHoliday,
		"isBusinessHours": !isWeekend && !isHoliday && clock >= e.start && clock < e.end,
	}, nil
}

// AgentEnricher adds the agent's directory profile: type, trust score,
// clearance, and roles.
type AgentEnricher struct {
	dir AgentDirectory
}

// NewAgentEnricher creates the agent enricher.
func NewAgentEnricher(dir AgentDirectory) *AgentEnricher {
	return &AgentEnricher{dir: dir}
}

func (e *AgentEnricher) Name() string { return "agent" }

func (e *AgentEnricher) Enrich(ctx context.Context, dctx *decision.Context) (map[string]any, error) {
	profile, ok, err := e.dir.Lookup(ctx, dctx.AgentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Unknown agents get no attributes; policies referencing
		// trustScore or agentType then see undefined operands.
		return map[string]any{"known": false}, nil
	}
	return map[string]any{
		"known":          true,
		"agentType":      profile.Type,
		"trustScore":     profile.TrustScore,
		"clearanceLevel": profile.ClearanceLevel,
		"roles":          profile.Roles,
	}, nil
}

// ResourceEnricher adds catalog metadata for the target resource.
type ResourceEnricher struct {
	catalog ResourceCatalog
}

// NewResourceEnricher creates the resource enricher.
func NewResourceEnricher(catalog ResourceCatalog) *ResourceEnricher {
	return &ResourceEnricher{catalog: catalog}
}

func (e *ResourceEnricher) Name() string { return "resource" }

func (e *ResourceEnricher) Enrich(ctx context.Context, dctx *decision.Context) (map[string]any, error) {
	info, ok, err := e.catalog.Describe(ctx, dctx.Resource)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"cataloged": false}, nil
	}
	return map[string]any{
		"cataloged":        true,
		"dataType":         info.DataType,
		"sensitivityLevel": info.SensitivityLevel,
		"owner":            info.Owner,
	}, nil
}

// securityFailureWindow is how far back the security enricher looks for
// failed attempts.
const securityFailureWindow = 15 * time.Minute

// elevatedFailureCount is the failure count at which the threat level
// rises to elevated.
const elevatedFailureCount = 5

// SecurityEnricher adds a coarse threat signal from recent denials.
type SecurityEnricher struct {
	attempts AttemptTracker
}

// NewSecurityEnricher creates the security enricher.
func NewSecurityEnricher(attempts AttemptTracker) *SecurityEnricher {
	return &SecurityEnricher{attempts: attempts}
}

func (e *SecurityEnricher) Name() string { return "security" }

func (e *SecurityEnricher) Enrich(_ context.Context, dctx *decision.Context) (map[string]any, error) {
	failures := e.attempts.RecentFailures(dctx.AgentID, securityFailureWindow)
	level := "normal"
	if failures >= elevatedFailureCount {
		level = "elevated"
	}

	// securityScore starts at 1.0 and drops with recent failures.
	score := 1.0 - float64(failures)*0.1
	if score < 0 {
		score = 0
	}

	attrs := map[string]any{
		"recentFailures": failures,
		"threatLevel":    level,
		"securityScore":  score,
	}
	if dctx.ClientIP != "" {
		attrs["clientIP"] = dctx.ClientIP
	}
	if dctx.Location != "" {
		attrs["geoLocation"] = dctx.Location
	}
	return attrs, nil
}
