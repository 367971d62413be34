package model

import "fmt"

// Shared defaults used by the server binary and the sinks.
const (
	DefaultBindHost = "127.0.0.1"
	DefaultHTTPPort = 8111

	// StatementTimeLayout is how timestamps appear in generated statements.
	StatementTimeLayout = "2006-01-02 15:04:05"
)

// StatementFileName is the per-tenant file the file sink appends to.
func StatementFileName(clientID string) string {
	return fmt.Sprintf("clicks_%s.sql", clientID)
}
