package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
)

const unavailableMessage = "commit activity is not available for this repository"

// commitActivityWeek is one element of the stats/commit_activity response.
type commitActivityWeek struct {
	Total int    `json:"total"`
	Week  int64  `json:"week"`
	Days  [7]int `json:"days"`
}

// FetchActivityHistory asks for the weekly commit activity of the last year.
// GitHub computes these statistics lazily and answers 202 until they are
// ready, so the outcome is classified rather than returned as an error.
func (c *Client) FetchActivityHistory(ctx context.Context, owner, project string) models.ActivityResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.wait(ctx); err != nil {
		return models.ActivityResult{Status: models.ActivityStatusError, Message: err.Error()}
	}

	path := fmt.Sprintf("/repos/%s/%s/stats/commit_activity", url.PathEscape(owner), url.PathEscape(project))
	reqURL := c.baseURL.JoinPath(path)

	logger.Debug("Fetching commit activity",
		zap.String("owner", owner),
		zap.String("project", project),
		zap.String("url", reqURL.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return models.ActivityResult{Status: models.ActivityStatusError, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("Failed to fetch commit activity",
			zap.Error(err),
			zap.String("owner", owner),
			zap.String("project", project))
		return models.ActivityResult{Status: models.ActivityStatusError, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var weeks []commitActivityWeek
		if err := json.NewDecoder(resp.Body).Decode(&weeks); err != nil {
			return models.ActivityResult{
				Status:  models.ActivityStatusError,
				Message: fmt.Sprintf("failed to decode commit activity: %v", err),
			}
		}
		return models.ActivityResult{Status: models.ActivityStatusReady, Weeks: convertWeeks(weeks)}

	case resp.StatusCode == http.StatusNoContent:
		return models.ActivityResult{Status: models.ActivityStatusReady, Weeks: []models.WeeklyCommits{}}

	case resp.StatusCode == http.StatusAccepted:
		return models.ActivityResult{Status: models.ActivityStatusComputing, Message: "statistics are being computed"}

	case isRateLimited(resp):
		return models.ActivityResult{
			Status:  models.ActivityStatusError,
			Message: fmt.Sprintf("rate limit exceeded, reset at %s", parseRateLimit(resp).Reset.UTC().Format(time.RFC3339)),
		}

	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return models.ActivityResult{Status: models.ActivityStatusUnavailable, Message: unavailableMessage}

	default:
		logger.Warn("Unexpected commit activity response",
			zap.Int("status_code", resp.StatusCode),
			zap.String("owner", owner),
			zap.String("project", project))
		return models.ActivityResult{
			Status:  models.ActivityStatusError,
			Message: fmt.Sprintf("unexpected status code %d", resp.StatusCode),
		}
	}
}

func convertWeeks(weeks []commitActivityWeek) []models.WeeklyCommits {
	out := make([]models.WeeklyCommits, 0, len(weeks))
	for _, w := range weeks {
		out = append(out, models.WeeklyCommits{
			WeekStart:      time.Unix(w.Week, 0).UTC(),
			TotalCommits:   w.Total,
			DailyBreakdown: w.Days,
		})
	}
	return out
}
