package health

import (
	"sort"
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// ComputeEngineers derives one row per assignee from the full issue set.
// Rows are rebuilt from scratch each sync. When engineerTeams is non-empty it
// restricts which assignees count as engineers (by display name).
func (t Thresholds) ComputeEngineers(issues []domain.Issue, engineerTeams map[string]string, now time.Time) []domain.Engineer {
	byAssignee := map[string][]domain.Issue{}
	names := map[string]string{}
	for _, i := range issues {
		if i.AssigneeID == "" {
			continue
		}
		if len(engineerTeams) > 0 {
			if _, ok := engineerTeams[i.AssigneeName]; !ok {
				continue
			}
		}
		byAssignee[i.AssigneeID] = append(byAssignee[i.AssigneeID], i)
		names[i.AssigneeID] = i.AssigneeName
	}

	out := make([]domain.Engineer, 0, len(byAssignee))
	for id, list := range byAssignee {
		e := domain.Engineer{
			AssigneeID:      id,
			AssigneeName:    names[id],
			ViolationCounts: map[string]int{},
			CapturedAt:      now,
		}
		teamSet := map[string]string{}
		projectSet := map[string]struct{}{}
		for _, i := range list {
			if i.TeamID != "" {
				teamSet[i.TeamID] = i.TeamName
			}
			for key, hit := range t.IssueViolations(i, now) {
				if hit {
					e.ViolationCounts[key]++
				}
			}
			if i.StateType != domain.StateStarted {
				continue
			}
			e.StartedCount++
			if i.Estimate != nil {
				e.StartedPoints += *i.Estimate
			}
			if i.ProjectID != "" {
				projectSet[i.ProjectID] = struct{}{}
			}
			e.ActiveIssues = append(e.ActiveIssues, domain.ActiveIssue{
				Identifier: i.Identifier,
				Title:      i.Title,
				ProjectID:  i.ProjectID,
				Estimate:   i.Estimate,
				StartedAt:  i.StartedAt,
			})
		}
		for tid, tname := range teamSet {
			e.TeamIDs = append(e.TeamIDs, tid)
			e.TeamNames = append(e.TeamNames, tname)
		}
		sort.Strings(e.TeamIDs)
		sort.Strings(e.TeamNames)
		e.ActiveProjects = len(projectSet)
		e.MultiProject = len(projectSet) >= 2
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssigneeID < out[j].AssigneeID })
	return out
}

// OverWIPLimit reports whether the engineer's in-flight count breaks the
// limit. The limit itself is allowed: 6 started issues pass, 7 violate.
func (t Thresholds) OverWIPLimit(e domain.Engineer) bool {
	return e.StartedCount > t.WIPLimit
}

// WIPCompliant is the favorable predicate for the team-health pillar: within
// the WIP limit and not spread across multiple active projects.
func (t Thresholds) WIPCompliant(e domain.Engineer) bool {
	return !t.OverWIPLimit(e) && !e.MultiProject
}
