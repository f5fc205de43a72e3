package compact

import (
	"testing"

	"github.com/sampullara/feedarchiver/internal/firehose"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullTweet = `{
  "created_at": "Fri Dec 21 18:14:35 +0000 2012",
  "id": 282202336449572864,
  "text": "hello #go",
  "in_reply_to_status_id": 282202336449572000,
  "retweeted_status": {"id": 282202336449571111},
  "geo": {"type": "Point"},
  "coordinates": {"coordinates": [-122.41, 37.77]},
  "entities": {
    "user_mentions": [{"id": 11}, {"id": 12}],
    "hashtags": [{"text": "go"}],
    "urls": [{"url": "http://t.co/x", "expanded_url": "http://example.com/x"}, {"url": "http://t.co/y"}],
    "media": [{"media_url": "http://pbs.example.com/1.jpg"}]
  },
  "user": {
    "id": 99,
    "verified": true,
    "followers_count": 1,
    "friends_count": 2,
    "favourites_count": 3,
    "statuses_count": 4,
    "listed_count": 5,
    "lang": "en"
  }
}`

func parse(t *testing.T, line string) *firehose.Event {
	t.Helper()
	ev, err := firehose.Parse(line)
	require.NoError(t, err)
	return ev
}

func TestEncode_FullTweet(t *testing.T) {
	out, err := Encode(parse(t, fullTweet).Node)
	require.NoError(t, err)

	want := `{"t":"hello #go","i":282202336449572864,"u":99,"c":1356113675000,` +
		`"s":282202336449572000,"r":282202336449571111,"m":[11,12],"h":["go"],` +
		`"l":["http://example.com/x","http://t.co/y"],"p":["http://pbs.example.com/1.jpg"],` +
		`"g":[-122.41,37.77],"v":true,"z":[1,2,3,4,5],"n":"en"}`
	assert.JSONEq(t, want, string(out))
	assert.Regexp(t, `^\{"t":`, string(out), "text is written first")
}

func TestEncode_MinimalTweetOmitsMissingFields(t *testing.T) {
	out, err := Encode(parse(t, `{"text":"hi","id":7}`).Node)
	require.NoError(t, err)
	assert.Equal(t, `{"t":"hi","i":7}`, string(out))
}

func TestEncode_NullGeoAndReplyOmitted(t *testing.T) {
	line := `{"text":"x","id":1,"geo":null,"coordinates":{"coordinates":[1,2]},"in_reply_to_status_id":null,"entities":null}`
	rec, err := Transcode(parse(t, line).Node)
	require.NoError(t, err)
	assert.Nil(t, rec.Geo)
	assert.Zero(t, rec.InReplyTo)
}

func TestEncode_UnverifiedUserOmitsFlag(t *testing.T) {
	rec, err := Transcode(parse(t, `{"text":"x","user":{"id":3,"verified":false,"lang":"fr"}}`).Node)
	require.NoError(t, err)
	assert.False(t, rec.Verified)
	assert.Equal(t, []int64{0, 0, 0, 0, 0}, rec.Counts)
	assert.Equal(t, "fr", rec.Lang)
}

func TestEncode_BadCreatedAtDropsField(t *testing.T) {
	rec, err := Transcode(parse(t, `{"text":"x","created_at":"yesterday"}`).Node)
	require.NoError(t, err)
	assert.Zero(t, rec.CreatedAt)
}

func TestEncode_NoText(t *testing.T) {
	tests := []string{
		`{"delete":{"status":{"id":1}}}`,
		`{"limit":{"track":10}}`,
		`{"text":null}`,
		`[1,2,3]`,
	}
	for _, line := range tests {
		_, err := Encode(parse(t, line).Node)
		assert.ErrorIs(t, err, ErrNoText, line)
	}
}
