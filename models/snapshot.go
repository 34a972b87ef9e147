package models

import "time"

// Release is one published release in the snapshot's bounded release list.
type Release struct {
	TagName     string    `json:"tagName"`
	Name        string    `json:"name,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// CommitActivityState tracks resolution of the secondary activity dataset.
type CommitActivityState string

const (
	ActivityPending CommitActivityState = "pending"
	ActivityReady   CommitActivityState = "ready"
	ActivityFailed  CommitActivityState = "failed"
)

// WeeklyCommits is one week of commit activity. DailyBreakdown starts on Sunday.
type WeeklyCommits struct {
	WeekStart      time.Time `json:"weekStart"`
	TotalCommits   int       `json:"totalCommits"`
	DailyBreakdown [7]int    `json:"dailyBreakdown"`
}

// CommitActivity is embedded in the snapshot and replaced wholesale on each attempt.
type CommitActivity struct {
	State           CommitActivityState `json:"state"`
	Attempts        int                 `json:"attempts"`
	LastAttemptedAt *time.Time          `json:"lastAttemptedAt,omitempty"`
	ErrorMessage    *string             `json:"errorMessage,omitempty"`
	Weekly          []WeeklyCommits     `json:"weekly"`
}

// MetricsSnapshot is the point-in-time bundle of repository facts feeding
// scoring. It is never mutated in place once attached to a run.
type MetricsSnapshot struct {
	Description   *string    `json:"description,omitempty"`
	Stars         int        `json:"stars"`
	Forks         int        `json:"forks"`
	License       *string    `json:"license,omitempty"`
	Language      *string    `json:"language,omitempty"`
	IsArchived    bool       `json:"isArchived"`
	RepoCreatedAt *time.Time `json:"repoCreatedAt,omitempty"`
	AvatarURL     string     `json:"avatarUrl,omitempty"`
	HTMLURL       string     `json:"htmlUrl,omitempty"`
	DefaultBranch *string    `json:"defaultBranch,omitempty"`

	LastCommitAt      *time.Time `json:"lastCommitAt,omitempty"`
	LastReleaseAt     *time.Time `json:"lastReleaseAt,omitempty"`
	LastMergedPRAt    *time.Time `json:"lastMergedPrAt,omitempty"`
	LastClosedIssueAt *time.Time `json:"lastClosedIssueAt,omitempty"`

	OpenIssuesCount           int      `json:"openIssuesCount"`
	ClosedIssuesCount         int      `json:"closedIssuesCount"`
	OpenIssuesPercent         *float64 `json:"openIssuesPercent,omitempty"`
	OpenPRsCount              int      `json:"openPrsCount"`
	MedianIssueResolutionDays *float64 `json:"medianIssueResolutionDays,omitempty"`

	CommitsLast90Days     int `json:"commitsLast90Days"`
	MergedPRsLast90Days   int `json:"mergedPrsLast90Days"`
	IssuesCreatedLastYear int `json:"issuesCreatedLastYear"`
	IssuesClosedLastYear  int `json:"issuesClosedLastYear"`

	Releases       []Release       `json:"releases"`
	ReadmeExcerpt  *string         `json:"readmeExcerpt,omitempty"`
	CommitActivity *CommitActivity `json:"commitActivity,omitempty"`
	FetchedAt      time.Time       `json:"fetchedAt"`
}

// Clone returns a deep copy of the snapshot.
func (m *MetricsSnapshot) Clone() *MetricsSnapshot {
	if m == nil {
		return nil
	}
	c := *m
	c.Description = clonePtr(m.Description)
	c.License = clonePtr(m.License)
	c.Language = clonePtr(m.Language)
	c.RepoCreatedAt = clonePtr(m.RepoCreatedAt)
	c.DefaultBranch = clonePtr(m.DefaultBranch)
	c.LastCommitAt = clonePtr(m.LastCommitAt)
	c.LastReleaseAt = clonePtr(m.LastReleaseAt)
	c.LastMergedPRAt = clonePtr(m.LastMergedPRAt)
	c.LastClosedIssueAt = clonePtr(m.LastClosedIssueAt)
	c.OpenIssuesPercent = clonePtr(m.OpenIssuesPercent)
	c.MedianIssueResolutionDays = clonePtr(m.MedianIssueResolutionDays)
	c.ReadmeExcerpt = clonePtr(m.ReadmeExcerpt)
	if m.Releases != nil {
		c.Releases = append([]Release(nil), m.Releases...)
	}
	c.CommitActivity = m.CommitActivity.Clone()
	return &c
}

// WithCommitActivity returns a new snapshot carrying ca.
func (m *MetricsSnapshot) WithCommitActivity(ca CommitActivity) *MetricsSnapshot {
	c := m.Clone()
	c.CommitActivity = ca.Clone()
	return c
}

// Clone returns a deep copy of the commit activity record.
func (ca *CommitActivity) Clone() *CommitActivity {
	if ca == nil {
		return nil
	}
	c := *ca
	c.LastAttemptedAt = clonePtr(ca.LastAttemptedAt)
	c.ErrorMessage = clonePtr(ca.ErrorMessage)
	if ca.Weekly != nil {
		c.Weekly = append([]WeeklyCommits(nil), ca.Weekly...)
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ActivityStatus is the three-way outcome of fetching activity history,
// with error folded into the transient class.
type ActivityStatus string

const (
	ActivityStatusReady       ActivityStatus = "ready"
	ActivityStatusComputing   ActivityStatus = "computing"
	ActivityStatusUnavailable ActivityStatus = "unavailable"
	ActivityStatusError       ActivityStatus = "error"
)

// Retryable reports whether the outcome belongs to the transient retry class.
func (s ActivityStatus) Retryable() bool {
	return s == ActivityStatusComputing || s == ActivityStatusError
}

// ActivityResult is what the provider returns for the activity dataset.
type ActivityResult struct {
	Status  ActivityStatus
	Weeks   []WeeklyCommits
	Message string
}
