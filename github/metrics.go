package github

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shurcooL/graphql"
	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
)

const (
	readmeExcerptLength = 500
	day                 = 24 * time.Hour
)

// GitTimestamp is the GraphQL scalar used by history(since:).
type GitTimestamp string

type countNode struct {
	TotalCount graphql.Int
}

type commitNode struct {
	CommittedDate *time.Time
	History       countNode `graphql:"history(since: $since)"`
}

type branchRef struct {
	Name   graphql.String
	Target struct {
		Commit commitNode `graphql:"... on Commit"`
	}
}

type mergedPRNode struct {
	MergedAt *time.Time
}

type issueNode struct {
	CreatedAt time.Time
	ClosedAt  *time.Time
}

type releaseNode struct {
	TagName     graphql.String
	Name        graphql.String
	PublishedAt *time.Time
}

type repositoryNode struct {
	NameWithOwner  graphql.String
	Description    graphql.String
	StargazerCount graphql.Int
	ForkCount      graphql.Int
	IsArchived     graphql.Boolean
	CreatedAt      time.Time
	URL            graphql.String
	Owner          struct {
		AvatarURL graphql.String `graphql:"avatarUrl"`
	}
	PrimaryLanguage *struct {
		Name graphql.String
	}
	LicenseInfo *struct {
		SpdxID graphql.String `graphql:"spdxId"`
		Name   graphql.String
	}
	DefaultBranchRef   *branchRef
	OpenIssues         countNode `graphql:"openIssues: issues(states: OPEN)"`
	ClosedIssues       countNode `graphql:"closedIssues: issues(states: CLOSED)"`
	OpenPullRequests   countNode `graphql:"openPullRequests: pullRequests(states: OPEN)"`
	MergedPullRequests struct {
		Nodes []mergedPRNode
	} `graphql:"mergedPullRequests: pullRequests(states: MERGED, first: 100, orderBy: {field: UPDATED_AT, direction: DESC})"`
	RecentIssues struct {
		Nodes []issueNode
	} `graphql:"recentIssues: issues(first: 100, orderBy: {field: CREATED_AT, direction: DESC})"`
	RecentlyClosedIssues struct {
		Nodes []issueNode
	} `graphql:"recentlyClosedIssues: issues(states: CLOSED, first: 100, orderBy: {field: UPDATED_AT, direction: DESC})"`
	Releases struct {
		Nodes []releaseNode
	} `graphql:"releases(first: 20, orderBy: {field: CREATED_AT, direction: DESC})"`
	Readme *struct {
		Blob struct {
			Text graphql.String
		} `graphql:"... on Blob"`
	} `graphql:"readme: object(expression: \"HEAD:README.md\")"`
}

type metricsQuery struct {
	Repository repositoryNode `graphql:"repository(owner: $owner, name: $repo)"`
}

// FetchMetrics pulls a full metrics snapshot in one GraphQL round trip. The
// returned snapshot has no commit activity attached.
func (c *Client) FetchMetrics(ctx context.Context, owner, project string) (*models.MetricsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	now := c.now().UTC()
	variables := map[string]interface{}{
		"owner": graphql.String(owner),
		"repo":  graphql.String(project),
		"since": GitTimestamp(now.Add(-90 * day).Format(time.RFC3339)),
	}

	logger.Info("Fetching repository metrics",
		zap.String("owner", owner),
		zap.String("project", project))

	var q metricsQuery
	if err := c.gql.Query(ctx, &q, variables); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", owner, project, ErrRepositoryNotFound)
		}
		logger.Error("Failed to fetch repository metrics",
			zap.Error(err),
			zap.String("owner", owner),
			zap.String("project", project))
		return nil, fmt.Errorf("failed to fetch repository metrics: %w", err)
	}
	if q.Repository.NameWithOwner == "" {
		return nil, fmt.Errorf("%s/%s: %w", owner, project, ErrRepositoryNotFound)
	}

	snapshot := buildSnapshot(&q.Repository, now)

	logger.Info("Successfully fetched repository metrics",
		zap.String("owner", owner),
		zap.String("project", project),
		zap.Int("stars", snapshot.Stars),
		zap.Int("commits_last_90_days", snapshot.CommitsLast90Days))

	return snapshot, nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Could not resolve to a Repository") || strings.Contains(msg, "NOT_FOUND")
}

// buildSnapshot derives the snapshot counters from a query response.
func buildSnapshot(r *repositoryNode, now time.Time) *models.MetricsSnapshot {
	s := &models.MetricsSnapshot{
		Description:       optionalString(string(r.Description)),
		Stars:             int(r.StargazerCount),
		Forks:             int(r.ForkCount),
		IsArchived:        bool(r.IsArchived),
		AvatarURL:         string(r.Owner.AvatarURL),
		HTMLURL:           string(r.URL),
		OpenIssuesCount:   int(r.OpenIssues.TotalCount),
		ClosedIssuesCount: int(r.ClosedIssues.TotalCount),
		OpenPRsCount:      int(r.OpenPullRequests.TotalCount),
		FetchedAt:         now,
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt
		s.RepoCreatedAt = &created
	}
	if r.PrimaryLanguage != nil {
		s.Language = optionalString(string(r.PrimaryLanguage.Name))
	}
	if r.LicenseInfo != nil {
		license := string(r.LicenseInfo.SpdxID)
		if license == "" || license == "NOASSERTION" {
			license = string(r.LicenseInfo.Name)
		}
		s.License = optionalString(license)
	}
	if b := r.DefaultBranchRef; b != nil {
		s.DefaultBranch = optionalString(string(b.Name))
		s.LastCommitAt = b.Target.Commit.CommittedDate
		s.CommitsLast90Days = int(b.Target.Commit.History.TotalCount)
	}

	if total := s.OpenIssuesCount + s.ClosedIssuesCount; total > 0 {
		pct := math.Round(float64(s.OpenIssuesCount)/float64(total)*1000) / 10
		s.OpenIssuesPercent = &pct
	}

	for _, pr := range r.MergedPullRequests.Nodes {
		if pr.MergedAt == nil {
			continue
		}
		s.LastMergedPRAt = latest(s.LastMergedPRAt, pr.MergedAt)
		if now.Sub(*pr.MergedAt) <= 90*day {
			s.MergedPRsLast90Days++
		}
	}

	for _, issue := range r.RecentIssues.Nodes {
		if now.Sub(issue.CreatedAt) <= 365*day {
			s.IssuesCreatedLastYear++
		}
	}

	var resolutionDays []float64
	for _, issue := range r.RecentlyClosedIssues.Nodes {
		if issue.ClosedAt == nil {
			continue
		}
		s.LastClosedIssueAt = latest(s.LastClosedIssueAt, issue.ClosedAt)
		if now.Sub(*issue.ClosedAt) <= 365*day {
			s.IssuesClosedLastYear++
		}
		resolutionDays = append(resolutionDays, issue.ClosedAt.Sub(issue.CreatedAt).Hours()/24)
	}
	if m, ok := median(resolutionDays); ok {
		rounded := math.Round(m*10) / 10
		s.MedianIssueResolutionDays = &rounded
	}

	s.Releases = make([]models.Release, 0, len(r.Releases.Nodes))
	for _, rel := range r.Releases.Nodes {
		if rel.PublishedAt == nil {
			continue
		}
		s.Releases = append(s.Releases, models.Release{
			TagName:     string(rel.TagName),
			Name:        string(rel.Name),
			PublishedAt: *rel.PublishedAt,
		})
		s.LastReleaseAt = latest(s.LastReleaseAt, rel.PublishedAt)
	}

	if r.Readme != nil {
		s.ReadmeExcerpt = optionalString(excerpt(string(r.Readme.Blob.Text), readmeExcerptLength))
	}

	return s
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func latest(cur, candidate *time.Time) *time.Time {
	if candidate == nil {
		return cur
	}
	if cur == nil || candidate.After(*cur) {
		t := *candidate
		return &t
	}
	return cur
}

func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// excerpt trims text to at most n runes.
func excerpt(text string, n int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:n]))
}
