package models

import (
	"encoding/json"
	"time"
)

// Timezone is the fixed offset all persisted timestamps are expressed in.
var Timezone = time.FixedZone("Europe/Athens", 3*60*60)

type Post struct {
	ID          string
	Permalink   string
	AccountName string
	Text        string
	MediaType   string
	MediaURL    string
	Timestamp   string
	LikeCount   int64
	ReplyCount  int64
	RepostCount int64

	// Extra keeps response fields the struct has no column for, so new API
	// fields survive a round trip through aggregation.
	Extra map[string]any
}

func (p *Post) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ID = popString(raw, "id")
	p.Permalink = popString(raw, "permalink")
	p.Text = popString(raw, "text")
	p.MediaType = popString(raw, "media_type")
	p.MediaURL = popString(raw, "media_url")
	p.Timestamp = popString(raw, "timestamp")
	p.LikeCount = popInt(raw, "like_count")
	p.ReplyCount = popInt(raw, "reply_count")
	p.RepostCount = popInt(raw, "repost_count")

	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

func popString(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	delete(raw, key)
	s, _ := v.(string)
	return s
}

func popInt(raw map[string]any, key string) int64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	delete(raw, key)
	return CoerceInt(v)
}

// CoerceInt converts the loosely typed numbers the Graph API returns into an
// int64, falling back to 0 for anything non-numeric.
func CoerceInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return i
	default:
		return 0
	}
}
