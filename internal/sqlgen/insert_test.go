package sqlgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/clickrelay/internal/model"
)

func TestInsertFormat(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	login := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	ev := model.Event{
		URL:         ptr("https://intra/a?q='x'"),
		PageURL:     ptr("https://intra/app"),
		Mechanism:   ptr("click"),
		ClientID:    "ws-42",
		Timestamp:   time.Date(2025, 3, 1, 9, 30, 15, 0, time.UTC),
		OSUser:      ptr("ivanov"),
		OSLoginTime: &login,
	}

	want := `INSERT INTO clicks (url, text, page_url, page_title, mechanism, timestamp, client_id, user_login, timestamp_user, user_name)
VALUES (
    'https://intra/a?q=''x''',
    NULL,
    'https://intra/app',
    NULL,
    'click',
    '2025-03-01 12:30:15',
    'ws-42',
    NULL,
    '2025-03-01 09:00:00',
    'ivanov'
);
`
	assert.Equal(t, want, Insert(ev, loc))
}

func TestBlockEndsWithBlankLine(t *testing.T) {
	ev := model.Event{PageURL: ptr("p"), ClientID: "c", Timestamp: time.Now()}
	block := string(Block(ev, time.UTC))
	assert.True(t, strings.HasSuffix(block, ");\n\n"))
	assert.Equal(t, 1, strings.Count(block, "INSERT INTO"))
}

func TestInsertValuesRoundTrip(t *testing.T) {
	text := "he said 'hi'\nthen left \\ quietly"
	ev := model.Event{
		URL:       ptr("u"),
		Text:      &text,
		ClientID:  "c",
		Timestamp: time.Now(),
	}
	stmt := Insert(ev, time.UTC)

	lines := strings.Split(stmt, "\n")
	// The text value starts on the second value line and spans the embedded newline.
	start := strings.Index(stmt, "'he said")
	require.Positive(t, start)
	end := strings.Index(stmt[start:], "',\n") + start + 1
	got, err := Unquote(stmt[start:end])
	require.NoError(t, err)
	assert.Equal(t, text, *got)
	assert.Equal(t, "INSERT INTO clicks ("+strings.Join(model.Columns, ", ")+")", lines[0])
}
