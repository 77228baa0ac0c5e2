package models

const (
	MetricViews   = "views"
	MetricLikes   = "likes"
	MetricReplies = "replies"
	MetricReposts = "reposts"
	MetricQuotes  = "quotes"
	MetricShares  = "shares"
)

// InsightMetrics is the fixed metric set requested from the insights endpoint.
var InsightMetrics = []string{
	MetricViews,
	MetricLikes,
	MetricReplies,
	MetricReposts,
	MetricQuotes,
	MetricShares,
}

// InsightSet maps metric names to counts for a single post. Key presence
// matters: the aggregator falls back to the post's own counters only for
// metrics the set does not carry.
type InsightSet map[string]int64

type AccountToken struct {
	AccountName string
	Token       string
}

// AggregatedRow is the sheet-row shape produced by the aggregator.
// Views/Quotes/Shares are nil when no insight set was fetched for the post.
type AggregatedRow struct {
	PublishTime string
	AccountName string
	PostID      string
	Permalink   string
	Text        string
	Views       *int64
	Likes       int64
	Replies     int64
	Reposts     int64
	Quotes      *int64
	Shares      *int64
}
