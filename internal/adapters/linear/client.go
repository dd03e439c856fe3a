package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/linearhealth/linearhealth/internal/config"
	"github.com/linearhealth/linearhealth/internal/domain"
	"github.com/rs/zerolog"
)

const pageSize = 100

// batchSize bounds how many projects share one aliased full-data query.
const batchSize = 10

// RateLimitError marks a remote back-pressure response. The orchestrator's
// checkpoint/resume path keys off this type, so it must never be collapsed
// into a generic error.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("linear: rate limited, retry after %s", e.RetryAfter)
	}
	return "linear: rate limited"
}

// IsRateLimit reports whether err wraps a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
	queries atomic.Int64
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.LinearBaseURL,
		apiKey:  cfg.LinearAPIKey,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log,
	}
}

// QueryCount returns the number of outbound GraphQL calls made so far.
func (c *Client) QueryCount() int { return int(c.queries.Load()) }

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// do executes one GraphQL call and decodes data into out. Every call counts
// against the query counter regardless of outcome.
func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if c.baseURL == "" {
		return errors.New("linear: empty baseURL")
	}
	c.queries.Add(1)
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		retry := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retry = d
			}
		}
		io.Copy(io.Discard, resp.Body)
		return &RateLimitError{RetryAfter: retry}
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("linear: api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	for _, e := range env.Errors {
		if strings.EqualFold(e.Extensions.Code, "RATELIMITED") || strings.Contains(strings.ToLower(e.Message), "rate limit") {
			return &RateLimitError{}
		}
	}
	if len(env.Errors) > 0 {
		return fmt.Errorf("linear: graphql: %s", env.Errors[0].Message)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// TestConnection verifies credentials with a minimal viewer query.
func (c *Client) TestConnection(ctx context.Context) (bool, error) {
	var out struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	if err := c.do(ctx, `query { viewer { id } }`, nil, &out); err != nil {
		return false, err
	}
	return out.Viewer.ID != "", nil
}

// ---- wire types, decoded once at this boundary ----

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type labelNode struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent *struct {
		Name string `json:"name"`
	} `json:"parent"`
}

type issueNode struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Priority    int      `json:"priority"`
	Estimate    *float64 `json:"estimate"`
	CreatedAt   string   `json:"createdAt"`
	StartedAt   string   `json:"startedAt"`
	CompletedAt string   `json:"completedAt"`
	CanceledAt  string   `json:"canceledAt"`
	UpdatedAt   string   `json:"updatedAt"`
	Team        *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Key  string `json:"key"`
	} `json:"team"`
	State *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
	Assignee *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"assignee"`
	Parent *struct {
		ID string `json:"id"`
	} `json:"parent"`
	Project *struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		State  string `json:"state"`
		Health string `json:"health"`
	} `json:"project"`
	Labels struct {
		Nodes []labelNode `json:"nodes"`
	} `json:"labels"`
	Comments struct {
		Nodes []struct {
			CreatedAt string `json:"createdAt"`
		} `json:"nodes"`
	} `json:"comments"`
}

const issueFields = `
  id identifier title priority estimate
  createdAt startedAt completedAt canceledAt updatedAt
  team { id name key }
  state { id name type }
  assignee { id name }
  parent { id }
  project { id name state health }
  labels { nodes { id name parent { name } } }
  comments(first: 1, orderBy: updatedAt) { nodes { createdAt } }`

func parseTimeUTC(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			tt := t.UTC()
			return &tt
		}
	}
	return nil
}

func (n issueNode) toDomain() domain.Issue {
	i := domain.Issue{
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Priority:    n.Priority,
		Estimate:    n.Estimate,
		CreatedAt:   parseTimeUTC(n.CreatedAt),
		StartedAt:   parseTimeUTC(n.StartedAt),
		CompletedAt: parseTimeUTC(n.CompletedAt),
		CanceledAt:  parseTimeUTC(n.CanceledAt),
		UpdatedAt:   parseTimeUTC(n.UpdatedAt),
	}
	if n.Team != nil {
		i.TeamID, i.TeamName, i.TeamKey = n.Team.ID, n.Team.Name, n.Team.Key
	}
	if n.State != nil {
		i.StateID, i.StateName, i.StateType = n.State.ID, n.State.Name, n.State.Type
	}
	if n.Assignee != nil {
		i.AssigneeID, i.AssigneeName = n.Assignee.ID, n.Assignee.Name
	}
	if n.Parent != nil {
		i.ParentID = n.Parent.ID
	}
	if n.Project != nil {
		i.ProjectID, i.ProjectName = n.Project.ID, n.Project.Name
		i.ProjectState, i.ProjectHealth = n.Project.State, n.Project.Health
	}
	for _, l := range n.Labels.Nodes {
		lbl := domain.Label{ID: l.ID, Name: l.Name}
		if l.Parent != nil {
			lbl.Parent = l.Parent.Name
		}
		i.Labels = append(i.Labels, lbl)
	}
	if len(n.Comments.Nodes) > 0 {
		i.LastCommentAt = parseTimeUTC(n.Comments.Nodes[0].CreatedAt)
	}
	return i
}

// IssueQuery narrows an issue fetch. Zero value means "everything".
type IssueQuery struct {
	UpdatedSince *time.Time
	ProjectIDs   []string
}

func (q IssueQuery) filter() map[string]any {
	f := map[string]any{}
	if q.UpdatedSince != nil {
		f["updatedAt"] = map[string]any{"gt": q.UpdatedSince.UTC().Format(time.RFC3339)}
	}
	if len(q.ProjectIDs) > 0 {
		f["project"] = map[string]any{"id": map[string]any{"in": q.ProjectIDs}}
	}
	return f
}

// FetchIssues pages through all issues matching the query. onProgress, when
// non-nil, is called after each page with the cumulative count.
func (c *Client) FetchIssues(ctx context.Context, q IssueQuery, onProgress func(fetched int)) ([]domain.Issue, error) {
	const query = `query Issues($filter: IssueFilter, $first: Int!, $after: String) {
  issues(filter: $filter, first: $first, after: $after) {
    nodes {` + issueFields + ` }
    pageInfo { hasNextPage endCursor }
  }
}`
	var out []domain.Issue
	after := ""
	for {
		vars := map[string]any{"filter": q.filter(), "first": pageSize}
		if after != "" {
			vars["after"] = after
		}
		var resp struct {
			Issues struct {
				Nodes    []issueNode `json:"nodes"`
				PageInfo pageInfo    `json:"pageInfo"`
			} `json:"issues"`
		}
		if err := c.do(ctx, query, vars, &resp); err != nil {
			return nil, err
		}
		for _, n := range resp.Issues.Nodes {
			out = append(out, n.toDomain())
		}
		if onProgress != nil {
			onProgress(len(out))
		}
		if !resp.Issues.PageInfo.HasNextPage {
			break
		}
		after = resp.Issues.PageInfo.EndCursor
	}
	return out, nil
}

// FetchIssuesByProjects fetches every issue belonging to the given projects.
func (c *Client) FetchIssuesByProjects(ctx context.Context, projectIDs []string, onProgress func(fetched int)) ([]domain.Issue, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	return c.FetchIssues(ctx, IssueQuery{ProjectIDs: projectIDs}, onProgress)
}

type projectNode struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Health     string `json:"health"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	StartedAt  string `json:"startedAt"`
	TargetDate string `json:"targetDate"`
	Lead       *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"lead"`
}

func (n projectNode) toDomain() domain.Project {
	p := domain.Project{
		ID:        n.ID,
		Name:      n.Name,
		State:     n.State,
		Health:    n.Health,
		CreatedAt: parseTimeUTC(n.CreatedAt),
		UpdatedAt: parseTimeUTC(n.UpdatedAt),
		StartedAt: parseTimeUTC(n.StartedAt),
	}
	if n.TargetDate != "" {
		if t, err := time.Parse("2006-01-02", n.TargetDate); err == nil {
			tt := t.UTC()
			p.TargetDate = &tt
		}
	}
	if n.Lead != nil {
		p.LeadID, p.LeadName = n.Lead.ID, n.Lead.Name
	}
	return p
}

// FetchProjects lists projects in the given lifecycle states.
func (c *Client) FetchProjects(ctx context.Context, states []string) ([]domain.Project, error) {
	filter := map[string]any{}
	if len(states) > 0 {
		filter["state"] = map[string]any{"in": states}
	}
	return c.fetchProjects(ctx, filter)
}

// FetchProjectsByIDs lists specific projects, e.g. ones only reachable
// through an initiative link.
func (c *Client) FetchProjectsByIDs(ctx context.Context, ids []string) ([]domain.Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return c.fetchProjects(ctx, map[string]any{"id": map[string]any{"in": ids}})
}

func (c *Client) fetchProjects(ctx context.Context, filter map[string]any) ([]domain.Project, error) {
	const query = `query Projects($filter: ProjectFilter, $first: Int!, $after: String) {
  projects(filter: $filter, first: $first, after: $after) {
    nodes {
      id name state health createdAt updatedAt startedAt targetDate
      lead { id name }
    }
    pageInfo { hasNextPage endCursor }
  }
}`
	var out []domain.Project
	after := ""
	for {
		vars := map[string]any{"filter": filter, "first": pageSize}
		if after != "" {
			vars["after"] = after
		}
		var resp struct {
			Projects struct {
				Nodes    []projectNode `json:"nodes"`
				PageInfo pageInfo      `json:"pageInfo"`
			} `json:"projects"`
		}
		if err := c.do(ctx, query, vars, &resp); err != nil {
			return nil, err
		}
		for _, n := range resp.Projects.Nodes {
			out = append(out, n.toDomain())
		}
		if !resp.Projects.PageInfo.HasNextPage {
			break
		}
		after = resp.Projects.PageInfo.EndCursor
	}
	return out, nil
}

type projectDataNode struct {
	Description string `json:"description"`
	Content     string `json:"content"`
	Labels      struct {
		Nodes []labelNode `json:"nodes"`
	} `json:"labels"`
	ProjectUpdates struct {
		Nodes []struct {
			ID        string `json:"id"`
			Health    string `json:"health"`
			Body      string `json:"body"`
			CreatedAt string `json:"createdAt"`
			User      *struct {
				Name string `json:"name"`
			} `json:"user"`
		} `json:"nodes"`
	} `json:"projectUpdates"`
}

func (n projectDataNode) toDomain() domain.ProjectFullData {
	d := domain.ProjectFullData{Description: n.Description, Content: n.Content}
	for _, l := range n.Labels.Nodes {
		lbl := domain.Label{ID: l.ID, Name: l.Name}
		if l.Parent != nil {
			lbl.Parent = l.Parent.Name
		}
		d.Labels = append(d.Labels, lbl)
	}
	for _, u := range n.ProjectUpdates.Nodes {
		pu := domain.ProjectUpdate{ID: u.ID, Health: u.Health, Body: u.Body, CreatedAt: parseTimeUTC(u.CreatedAt)}
		if u.User != nil {
			pu.Author = u.User.Name
		}
		d.Updates = append(d.Updates, pu)
	}
	return d
}

const projectDataFields = `
      description content
      labels { nodes { id name parent { name } } }
      projectUpdates(first: 20) {
        nodes { id health body createdAt user { name } }
      }`

// FetchProjectFullData fetches one project's metadata bundle.
func (c *Client) FetchProjectFullData(ctx context.Context, id string) (domain.ProjectFullData, error) {
	const query = `query ProjectData($id: String!) {
  project(id: $id) {` + projectDataFields + `
  }
}`
	var resp struct {
		Project *projectDataNode `json:"project"`
	}
	if err := c.do(ctx, query, map[string]any{"id": id}, &resp); err != nil {
		return domain.ProjectFullData{}, err
	}
	if resp.Project == nil {
		return domain.ProjectFullData{}, fmt.Errorf("linear: project %s not found", id)
	}
	return resp.Project.toDomain(), nil
}

// FetchMultipleProjectsFullData fetches metadata for many projects using
// aliased queries, at most batchSize projects per round trip.
func (c *Client) FetchMultipleProjectsFullData(ctx context.Context, ids []string) (map[string]domain.ProjectFullData, error) {
	out := make(map[string]domain.ProjectFullData, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		var b strings.Builder
		vars := map[string]any{}
		b.WriteString("query ProjectsData(")
		for i := range batch {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$id%d: String!", i)
		}
		b.WriteString(") {\n")
		for i, id := range batch {
			fmt.Fprintf(&b, "  p%d: project(id: $id%d) {%s\n  }\n", i, i, projectDataFields)
			vars[fmt.Sprintf("id%d", i)] = id
		}
		b.WriteString("}")

		var raw map[string]json.RawMessage
		if err := c.do(ctx, b.String(), vars, &raw); err != nil {
			return nil, err
		}
		for i, id := range batch {
			msg, ok := raw[fmt.Sprintf("p%d", i)]
			if !ok || string(msg) == "null" {
				continue
			}
			var node projectDataNode
			if err := json.Unmarshal(msg, &node); err != nil {
				c.log.Warn().Err(err).Str("project", id).Msg("linear: bad project data payload")
				continue
			}
			out[id] = node.toDomain()
		}
	}
	return out, nil
}

// FetchInitiatives lists all initiatives and their linked project ids.
func (c *Client) FetchInitiatives(ctx context.Context) ([]domain.Initiative, error) {
	const query = `query Initiatives($first: Int!, $after: String) {
  initiatives(first: $first, after: $after) {
    nodes {
      id name
      archivedAt completedAt startedAt
      owner { id name }
      projects(first: 50) { nodes { id } }
    }
    pageInfo { hasNextPage endCursor }
  }
}`
	var out []domain.Initiative
	after := ""
	for {
		vars := map[string]any{"first": pageSize}
		if after != "" {
			vars["after"] = after
		}
		var resp struct {
			Initiatives struct {
				Nodes []struct {
					ID          string `json:"id"`
					Name        string `json:"name"`
					ArchivedAt  string `json:"archivedAt"`
					CompletedAt string `json:"completedAt"`
					StartedAt   string `json:"startedAt"`
					Owner       *struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"owner"`
					Projects struct {
						Nodes []struct {
							ID string `json:"id"`
						} `json:"nodes"`
					} `json:"projects"`
				} `json:"nodes"`
				PageInfo pageInfo `json:"pageInfo"`
			} `json:"initiatives"`
		}
		if err := c.do(ctx, query, vars, &resp); err != nil {
			return nil, err
		}
		for _, n := range resp.Initiatives.Nodes {
			ini := domain.Initiative{
				ID:        n.ID,
				Name:      n.Name,
				Archived:  n.ArchivedAt != "",
				Completed: n.CompletedAt != "",
				Started:   n.StartedAt != "",
			}
			if n.Owner != nil {
				ini.OwnerID, ini.OwnerName = n.Owner.ID, n.Owner.Name
			}
			for _, p := range n.Projects.Nodes {
				ini.ProjectIDs = append(ini.ProjectIDs, p.ID)
			}
			out = append(out, ini)
		}
		if !resp.Initiatives.PageInfo.HasNextPage {
			break
		}
		after = resp.Initiatives.PageInfo.EndCursor
	}
	return out, nil
}

// CreateComment posts a comment on an issue (assignee nudge).
func (c *Client) CreateComment(ctx context.Context, issueID, body string) error {
	const query = `mutation CommentCreate($input: CommentCreateInput!) {
  commentCreate(input: $input) { success }
}`
	var resp struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	vars := map[string]any{"input": map[string]any{"issueId": issueID, "body": body}}
	if err := c.do(ctx, query, vars, &resp); err != nil {
		return err
	}
	if !resp.CommentCreate.Success {
		return fmt.Errorf("linear: comment create on %s not accepted", issueID)
	}
	return nil
}

// HasCommentContaining reports whether the issue already carries a comment
// with the given marker. Used to keep the nudge idempotent.
func (c *Client) HasCommentContaining(ctx context.Context, issueID, marker string) (bool, error) {
	const query = `query IssueComments($id: String!) {
  issue(id: $id) {
    comments(first: 50) { nodes { body } }
  }
}`
	var resp struct {
		Issue *struct {
			Comments struct {
				Nodes []struct {
					Body string `json:"body"`
				} `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	if err := c.do(ctx, query, map[string]any{"id": issueID}, &resp); err != nil {
		return false, err
	}
	if resp.Issue == nil {
		return false, nil
	}
	for _, n := range resp.Issue.Comments.Nodes {
		if strings.Contains(n.Body, marker) {
			return true, nil
		}
	}
	return false, nil
}
