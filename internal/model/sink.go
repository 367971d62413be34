package model

import "context"

// Table is the destination table for both the generated statements and
// the database sink.
const Table = "clicks"

// Columns is the canonical column set for one deployment, in the order the
// file sink writes them and the database sink binds them.
// timestamp_user holds the OS login time, user_name the OS user.
var Columns = []string{
	"url",
	"text",
	"page_url",
	"page_title",
	"mechanism",
	"timestamp",
	"client_id",
	"user_login",
	"timestamp_user",
	"user_name",
}

// Sink durably records one normalized event per call.
type Sink interface {
	Name() string
	Persist(ctx context.Context, ev Event) error
	Close() error
}
