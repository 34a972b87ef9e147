package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"repohealth/confidence"
	"repohealth/pipeline"
	"repohealth/scoring"
)

var (
	healthyColor   = color.New(color.FgGreen, color.Bold)
	moderateColor  = color.New(color.FgYellow)
	decliningColor = color.New(color.FgRed)
	inactiveColor  = color.New(color.FgHiBlack)
)

func categoryLabel(c scoring.Category) string {
	switch c {
	case scoring.CategoryHealthy:
		return healthyColor.Sprint(c)
	case scoring.CategoryModerate:
		return moderateColor.Sprint(c)
	case scoring.CategoryDeclining:
		return decliningColor.Sprint(c)
	default:
		return inactiveColor.Sprint(c)
	}
}

func levelLabel(l confidence.Level) string {
	switch l {
	case confidence.LevelHigh:
		return healthyColor.Sprint(l)
	case confidence.LevelMedium:
		return moderateColor.Sprint(l)
	default:
		return decliningColor.Sprint(l)
	}
}

// printStatus renders a status as a key/value table followed by the
// confidence penalties, if any.
func printStatus(w io.Writer, st *pipeline.Status) error {
	data := [][]string{
		{"Repository", st.Repository.FullName},
	}

	if run := st.LatestRun; run != nil {
		data = append(data,
			[]string{"Run", run.ID.String()},
			[]string{"Status", string(run.Status)},
			[]string{"State", string(run.RunState)},
			[]string{"Attempts", strconv.Itoa(run.AttemptCount)},
		)
		if run.ErrorCode != nil {
			data = append(data, []string{"Error", string(*run.ErrorCode)})
		}
	} else {
		data = append(data, []string{"Run", "none"})
	}

	if s := st.Score; s != nil {
		b := s.Breakdown
		data = append(data,
			[]string{"Score", strconv.Itoa(s.Score)},
			[]string{"Category", categoryLabel(s.Category)},
			[]string{"Profile", s.Profile},
		)
		if !b.Archived {
			data = append(data,
				[]string{"Tier", string(b.Tier)},
				[]string{"Days since activity", daysLabel(b.DaysSinceActivity)},
				[]string{"Quality", strconv.Itoa(b.Quality)},
				[]string{"Issue health", percent(b.Signals.IssueHealth)},
				[]string{"Release health", percent(b.Signals.ReleaseHealth)},
				[]string{"Community", percent(b.Signals.Community)},
				[]string{"Maturity", percent(b.Signals.Maturity)},
				[]string{"Activity breadth", percent(b.Signals.ActivityBreadth)},
				[]string{"Freshness", fmt.Sprintf("%.3f", b.FreshnessMultiplier)},
				[]string{"Raw score", strconv.Itoa(b.RawScore)},
			)
			if b.HardCap != nil {
				data = append(data, []string{"Hard cap", fmt.Sprintf("%d (after %d days)", b.HardCap.MaxScore, b.HardCap.AfterDays)})
			}
		}
	}

	if c := st.Confidence; c != nil {
		data = append(data, []string{"Confidence", fmt.Sprintf("%d %s", c.Score, levelLabel(c.Level))})
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Field", "Value"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if st.Confidence == nil || len(st.Confidence.Penalties) == 0 {
		return nil
	}

	penalties := tablewriter.NewWriter(w)
	penalties.Header([]string{"Penalty", "Points", "Reason"})
	var rows [][]string
	for _, p := range st.Confidence.Penalties {
		rows = append(rows, []string{p.Code, strconv.Itoa(p.Points), p.Reason})
	}
	if err := penalties.Bulk(rows); err != nil {
		return err
	}
	return penalties.Render()
}

func daysLabel(days *int) string {
	if days == nil {
		return "unknown"
	}
	return strconv.Itoa(*days)
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}
