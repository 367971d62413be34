package sqlgen

import (
	"strings"
	"time"

	"github.com/tinytelemetry/clickrelay/internal/model"
)

const indent = "    "

// Insert renders ev as one multi-line INSERT statement over the canonical
// column set. Event times are formatted in loc.
func Insert(ev model.Event, loc *time.Location) string {
	values := []string{
		Quote(ev.URL),
		Quote(ev.Text),
		Quote(ev.PageURL),
		Quote(ev.PageTitle),
		Quote(ev.Mechanism),
		QuoteString(ev.LocalTime(loc).Format(model.StatementTimeLayout)),
		QuoteString(ev.ClientID),
		Quote(ev.UserLogin),
		quoteTime(ev.OSLoginTime, loc),
		Quote(ev.OSUser),
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(model.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(model.Columns, ", "))
	b.WriteString(")\nVALUES (\n")
	for i, v := range values {
		b.WriteString(indent)
		b.WriteString(v)
		if i < len(values)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(");\n")
	return b.String()
}

// Block is the unit appended to a statement file: the statement followed
// by a blank line.
func Block(ev model.Event, loc *time.Location) []byte {
	return []byte(Insert(ev, loc) + "\n")
}

func quoteTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return Null
	}
	if loc == nil {
		loc = time.Local
	}
	return QuoteString(t.In(loc).Format(model.StatementTimeLayout))
}
