package health

import (
	"sort"
	"strings"
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// SchemaVersion of the serialized metrics bundle. Bumped when the hygiene
// pillar was added.
const SchemaVersion = 2

// Pillar statuses. All pillars share one banding policy; pending marks a
// pillar whose external source is not configured.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusPending  = "pending"
)

// Band applies the uniform status banding to a favorable 0-100 score.
func Band(score float64) string {
	switch {
	case score >= 90:
		return StatusHealthy
	case score >= 75:
		return StatusWarning
	default:
		return StatusCritical
	}
}

type PillarScore struct {
	Score  *float64           `json:"score,omitempty"`
	Status string             `json:"status"`
	Detail map[string]float64 `json:"detail,omitempty"`
}

func scored(score float64, detail map[string]float64) PillarScore {
	s := score
	return PillarScore{Score: &s, Status: Band(score), Detail: detail}
}

// ThroughputSample is one contributor's completed count over the feed window.
type ThroughputSample struct {
	Contributor string
	Completed   float64
}

// Report is the full metrics bundle captured at one granularity.
type Report struct {
	Level         string      `json:"level"`
	LevelID       string      `json:"level_id,omitempty"`
	SchemaVersion int         `json:"schema_version"`
	CapturedAt    time.Time   `json:"captured_at"`
	WIP           PillarScore `json:"wip"`
	Delivery      PillarScore `json:"delivery"`
	Productivity  PillarScore `json:"productivity"`
	Quality       PillarScore `json:"quality"`
	Hygiene       PillarScore `json:"hygiene"`
}

// Computer aggregates derived rows into pillar reports. Domain and engineer
// mappings come from configuration; Thresholds carry the scoring tunables.
type Computer struct {
	T             Thresholds
	DomainTeams   map[string][]string
	EngineerTeams map[string]string
}

// Domains lists the configured domain names in stable order.
func (c Computer) Domains() []string {
	out := make([]string, 0, len(c.DomainTeams))
	for d := range c.DomainTeams {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// scopeIssues filters the issue set down to one level's teams.
func (c Computer) scopeIssues(issues []domain.Issue, level, levelID string) []domain.Issue {
	switch level {
	case domain.LevelOrg:
		return issues
	case domain.LevelTeam:
		var out []domain.Issue
		for _, i := range issues {
			if strings.EqualFold(i.TeamKey, levelID) {
				out = append(out, i)
			}
		}
		return out
	case domain.LevelDomain:
		keys := map[string]struct{}{}
		for _, k := range c.DomainTeams[levelID] {
			keys[strings.ToLower(k)] = struct{}{}
		}
		var out []domain.Issue
		for _, i := range issues {
			if _, ok := keys[strings.ToLower(i.TeamKey)]; ok {
				out = append(out, i)
			}
		}
		return out
	}
	return nil
}

// scopeProjects keeps projects that have at least one scoped issue. At org
// level everything stays, including empty projects.
func scopeProjects(projects []domain.Project, issues []domain.Issue, level string) []domain.Project {
	if level == domain.LevelOrg {
		return projects
	}
	touched := map[string]struct{}{}
	for _, i := range issues {
		if i.ProjectID != "" {
			touched[i.ProjectID] = struct{}{}
		}
	}
	var out []domain.Project
	for _, p := range projects {
		if _, ok := touched[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Report computes every pillar at the given level. projects must already
// carry derived columns (DeriveProject). tput is nil when the external feed
// is not configured.
func (c Computer) Report(level, levelID string, issues []domain.Issue, projects []domain.Project, tput []ThroughputSample, now time.Time) Report {
	scoped := c.scopeIssues(issues, level, levelID)
	scopedProjects := scopeProjects(projects, scoped, level)
	engineers := c.T.ComputeEngineers(scoped, c.EngineerTeams, now)

	r := Report{
		Level:         level,
		LevelID:       levelID,
		SchemaVersion: SchemaVersion,
		CapturedAt:    now,
	}
	r.WIP = c.wipPillar(engineers, scoped)
	r.Delivery = c.deliveryPillar(scopedProjects)
	r.Productivity = c.productivityPillar(tput)
	r.Quality = c.qualityPillar(scoped, len(engineers), now)
	r.Hygiene = c.hygienePillar(scoped, scopedProjects, now)
	return r
}

func (c Computer) wipPillar(engineers []domain.Engineer, issues []domain.Issue) PillarScore {
	if len(engineers) == 0 {
		return scored(100, nil)
	}
	compliant := 0
	violatingProjects := map[string]struct{}{}
	for _, e := range engineers {
		if c.T.WIPCompliant(e) {
			compliant++
			continue
		}
		for _, ai := range e.ActiveIssues {
			if ai.ProjectID != "" {
				violatingProjects[ai.ProjectID] = struct{}{}
			}
		}
	}
	allProjects := map[string]struct{}{}
	for _, i := range issues {
		if i.ProjectID != "" {
			allProjects[i.ProjectID] = struct{}{}
		}
	}
	score := 100 * float64(compliant) / float64(len(engineers))
	detail := map[string]float64{
		"engineers":           float64(len(engineers)),
		"compliant_engineers": float64(compliant),
	}
	if len(allProjects) > 0 {
		detail["violating_project_pct"] = 100 * float64(len(violatingProjects)) / float64(len(allProjects))
	}
	return scored(score, detail)
}

func (c Computer) deliveryPillar(projects []domain.Project) PillarScore {
	active := 0
	onTrack := 0
	for _, p := range projects {
		if strings.EqualFold(p.State, "completed") || strings.EqualFold(p.State, "canceled") {
			continue
		}
		active++
		if p.EffectiveHealth == domain.HealthOnTrack {
			onTrack++
		}
	}
	if active == 0 {
		return scored(100, nil)
	}
	score := 100 * float64(onTrack) / float64(active)
	return scored(score, map[string]float64{
		"active_projects":   float64(active),
		"on_track_projects": float64(onTrack),
	})
}

func (c Computer) productivityPillar(tput []ThroughputSample) PillarScore {
	if tput == nil {
		return PillarScore{Status: StatusPending}
	}
	if len(tput) == 0 {
		return scored(100, nil)
	}
	target := c.T.ThroughputTarget
	if target <= 0 {
		target = 6
	}
	meeting := 0
	for _, s := range tput {
		if s.Completed >= target {
			meeting++
		}
	}
	score := 100 * float64(meeting) / float64(len(tput))
	return scored(score, map[string]float64{
		"contributors":   float64(len(tput)),
		"meeting_target": float64(meeting),
		"target":         target,
	})
}

func (c Computer) qualityPillar(issues []domain.Issue, engineers int, now time.Time) PillarScore {
	in := BugStats(issues, engineers, now)
	score, penalties := c.T.QualityScore(in)
	detail := map[string]float64{
		"open_bugs":      float64(in.OpenBugs),
		"net_change_14d": in.NetChange14d,
		"avg_age_days":   in.AvgAgeDays,
	}
	for k, v := range penalties {
		detail["penalty_"+k] = v
	}
	return scored(score, detail)
}

// hygienePillar scores discipline as the passed fraction of tracked checks:
// four per issue (estimate, priority, comment currency, WIP age) and five per
// project (lead, update freshness, status alignment, health set, target date
// set).
func (c Computer) hygienePillar(issues []domain.Issue, projects []domain.Project, now time.Time) PillarScore {
	checks := 0
	gaps := 0
	for _, i := range issues {
		checks += 2
		if MissingEstimate(i) {
			gaps++
		}
		if MissingPriority(i) {
			gaps++
		}
		if i.StateType == domain.StateStarted {
			checks += 2
			if c.T.NoRecentComment(i, now) {
				gaps++
			}
			if c.T.WIPAgeViolation(i, now) {
				gaps++
			}
		}
	}
	for _, p := range projects {
		checks += 5
		if p.MissingLead {
			gaps++
		}
		if p.StaleUpdate {
			gaps++
		}
		if p.StatusMismatch {
			gaps++
		}
		if p.Health == "" {
			gaps++
		}
		if p.TargetDate == nil {
			gaps++
		}
	}
	if checks == 0 {
		return scored(100, nil)
	}
	score := 100 * (1 - float64(gaps)/float64(checks))
	return scored(score, map[string]float64{
		"gaps":   float64(gaps),
		"checks": float64(checks),
	})
}
