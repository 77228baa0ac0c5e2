// Package aggregate joins raw posts with their insight sets into the row
// shape the sheet writer consumes.
package aggregate

import (
	"time"

	"github.com/mik888em/threads/internal/models"
)

// postTimestampLayout is the fixed ISO-8601-with-offset format the platform
// uses for publish times, e.g. "2024-05-01T10:30:00+0000".
const postTimestampLayout = "2006-01-02T15:04:05-0700"

// Rows builds one row per post with a non-empty id. Insight values are the
// preferred source for likes/replies/reposts; the post's own counters are
// used only when the insight set lacks the metric or no set was fetched.
// Views/quotes/shares stay nil without an insight set.
func Rows(posts []models.Post, insights map[string]models.InsightSet) []models.AggregatedRow {
	rows := make([]models.AggregatedRow, 0, len(posts))
	for _, post := range posts {
		if post.ID == "" {
			continue
		}
		insight, hasInsight := insights[post.ID]

		row := models.AggregatedRow{
			PublishTime: shiftTimestamp(post.Timestamp),
			AccountName: post.AccountName,
			PostID:      post.ID,
			Permalink:   post.Permalink,
			Text:        post.Text,
			Likes:       post.LikeCount,
			Replies:     post.ReplyCount,
			Reposts:     post.RepostCount,
		}

		if hasInsight {
			row.Likes = metricOr(insight, models.MetricLikes, post.LikeCount)
			row.Replies = metricOr(insight, models.MetricReplies, post.ReplyCount)
			row.Reposts = metricOr(insight, models.MetricReposts, post.RepostCount)
			row.Views = metricPtr(insight, models.MetricViews)
			row.Quotes = metricPtr(insight, models.MetricQuotes)
			row.Shares = metricPtr(insight, models.MetricShares)
		}
		rows = append(rows, row)
	}
	return rows
}

func metricOr(insight models.InsightSet, metric string, fallback int64) int64 {
	if value, ok := insight[metric]; ok {
		return value
	}
	return fallback
}

func metricPtr(insight models.InsightSet, metric string) *int64 {
	value := insight[metric]
	return &value
}

// shiftTimestamp re-expresses the publish time in the target offset.
// Anything unparsable passes through unmodified rather than failing the row.
func shiftTimestamp(value string) string {
	if value == "" {
		return ""
	}
	ts, err := time.Parse(postTimestampLayout, value)
	if err != nil {
		return value
	}
	return ts.In(models.Timezone).Format(time.RFC3339)
}
