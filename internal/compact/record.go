// Package compact transcodes stream events into the compact archive record
// and writes them to the current segment.
package compact

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// CreatedAtLayout is the stream's created_at format, e.g.
// "Fri Dec 21 18:14:35 +0000 2012".
const CreatedAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// ErrNoText is returned by Encode for events that are not posts (deletes,
// limit notices and similar control messages).
var ErrNoText = errors.New("compact: event has no text")

// Record is the archived form of a post. Field order is the on-disk order.
type Record struct {
	Text      string    `json:"t"`
	ID        int64     `json:"i,omitempty"`
	UserID    int64     `json:"u,omitempty"`
	CreatedAt int64     `json:"c,omitempty"`
	InReplyTo int64     `json:"s,omitempty"`
	Retweeted int64     `json:"r,omitempty"`
	Mentions  []int64   `json:"m,omitempty"`
	Hashtags  []string  `json:"h,omitempty"`
	URLs      []string  `json:"l,omitempty"`
	Media     []string  `json:"p,omitempty"`
	Geo       []float64 `json:"g,omitempty"`
	Verified  bool      `json:"v,omitempty"`

	// Counts holds followers, friends, favourites, statuses and listed.
	Counts []int64 `json:"z,omitempty"`
	Lang   string  `json:"n,omitempty"`
}

// Transcode builds a Record from a parsed event tree.
func Transcode(node any) (*Record, error) {
	obj, _ := node.(map[string]any)
	text, ok := obj["text"].(string)
	if !ok {
		return nil, ErrNoText
	}

	rec := &Record{
		Text:      text,
		ID:        intField(obj, "id"),
		InReplyTo: intField(obj, "in_reply_to_status_id"),
	}

	// An unparsable created_at drops only the c field.
	if s, ok := obj["created_at"].(string); ok {
		if t, err := time.Parse(CreatedAtLayout, s); err == nil {
			rec.CreatedAt = t.UnixMilli()
		}
	}

	if rt, ok := obj["retweeted_status"].(map[string]any); ok {
		rec.Retweeted = intField(rt, "id")
	}

	if entities, ok := obj["entities"].(map[string]any); ok {
		for _, m := range objects(entities["user_mentions"]) {
			rec.Mentions = append(rec.Mentions, intField(m, "id"))
		}
		for _, h := range objects(entities["hashtags"]) {
			if s, ok := h["text"].(string); ok {
				rec.Hashtags = append(rec.Hashtags, s)
			}
		}
		for _, u := range objects(entities["urls"]) {
			if s, ok := u["expanded_url"].(string); ok {
				rec.URLs = append(rec.URLs, s)
			} else if s, ok := u["url"].(string); ok {
				rec.URLs = append(rec.URLs, s)
			}
		}
		for _, m := range objects(entities["media"]) {
			if s, ok := m["media_url"].(string); ok {
				rec.Media = append(rec.Media, s)
			}
		}
	}

	if obj["geo"] != nil {
		if coords, ok := obj["coordinates"].(map[string]any); ok {
			if pair, ok := coords["coordinates"].([]any); ok && len(pair) >= 2 {
				lon, okLon := floatValue(pair[0])
				lat, okLat := floatValue(pair[1])
				if okLon && okLat {
					rec.Geo = []float64{lon, lat}
				}
			}
		}
	}

	if user, ok := obj["user"].(map[string]any); ok {
		rec.UserID = intField(user, "id")
		rec.Verified, _ = user["verified"].(bool)
		rec.Counts = []int64{
			intField(user, "followers_count"),
			intField(user, "friends_count"),
			intField(user, "favourites_count"),
			intField(user, "statuses_count"),
			intField(user, "listed_count"),
		}
		rec.Lang, _ = user["lang"].(string)
	}

	return rec, nil
}

// Encode transcodes node and marshals the result.
func Encode(node any) ([]byte, error) {
	rec, err := Transcode(node)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func intField(obj map[string]any, key string) int64 {
	switch v := obj[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	}
	return 0, false
}

func objects(v any) []map[string]any {
	arr, _ := v.([]any)
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
