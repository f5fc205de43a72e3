package boltstore

import (
	"strconv"

	"github.com/sampullara/feedarchiver/internal/firehose"
	"github.com/sampullara/feedarchiver/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// UserListener saves the user object of every event into a UserStore.
// The user's id becomes the key and is stored as the "_id" field.
type UserListener struct {
	store *UserStore
}

var _ firehose.Listener = (*UserListener)(nil)

// NewUserListener creates a listener writing to store.
func NewUserListener(store *UserStore) *UserListener {
	return &UserListener{store: store}
}

func (l *UserListener) HandleEvent(ev *firehose.Event) {
	user, ok := ev.Get("user").(map[string]any)
	if !ok {
		return
	}

	fields := FlattenUser(user)
	id := fields["_id"]
	if id == "" {
		return
	}

	if err := l.store.Save(id, fields); err != nil {
		metrics.UsersStoredTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("user_id", id).Msg("boltstore: failed to save user")
		return
	}
	metrics.UsersStoredTotal.WithLabelValues("success").Inc()
}

// TooSlow drops the profile update. The next event from the same user
// refreshes it.
func (l *UserListener) TooSlow() {
	metrics.UsersStoredTotal.WithLabelValues("dropped").Inc()
}

// FlattenUser renders each top-level field as text. Nested objects and
// arrays are kept as compact JSON.
func FlattenUser(user map[string]any) map[string]string {
	out := make(map[string]string, len(user))
	for k, v := range user {
		if k == "id" {
			k = "_id"
		}
		out[k] = text(v)
	}
	return out
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
