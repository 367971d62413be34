// Package hostinfo resolves the OS identity attached to every event as
// enrichment fields.
package hostinfo

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/clickrelay/internal/model"
)

const whoTimeLayout = "2006-01-02 15:04"

// Resolver looks up the current OS user and the start of that user's
// earliest login session.
type Resolver struct {
	currentUser func() (string, error)
	sessions    func(ctx context.Context) (string, error)
	loc         *time.Location
	log         logrus.FieldLogger
}

// NewResolver creates a resolver backed by os/user and who(1).
func NewResolver(log logrus.FieldLogger) *Resolver {
	return &Resolver{
		currentUser: currentUsername,
		sessions:    runWho,
		loc:         time.Local,
		log:         log,
	}
}

// Resolve returns whatever enrichment the host can supply. Lookup failures
// leave the corresponding field empty and are only logged.
func (r *Resolver) Resolve(ctx context.Context) model.Enrichment {
	var out model.Enrichment

	name, err := r.currentUser()
	if err != nil {
		r.log.WithError(err).Warn("hostinfo: current user unavailable")
		return out
	}
	out.OSUser = name

	listing, err := r.sessions(ctx)
	if err != nil {
		r.log.WithError(err).Debug("hostinfo: session listing unavailable")
		return out
	}
	if t, ok := earliestLogin(listing, name, r.loc); ok {
		out.OSLoginTime = t
	}
	return out
}

func currentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	// Windows-style DOMAIN\user
	if i := strings.LastIndex(u.Username, `\`); i >= 0 {
		return u.Username[i+1:], nil
	}
	return u.Username, nil
}

func runWho(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "who").Output()
	if err != nil {
		return "", fmt.Errorf("who: %w", err)
	}
	return string(out), nil
}

// earliestLogin scans who(1) output for sessions owned by name.
func earliestLogin(listing, name string, loc *time.Location) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != name {
			continue
		}
		t, err := time.ParseInLocation(whoTimeLayout, fields[2]+" "+fields[3], loc)
		if err != nil {
			continue
		}
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	return earliest, found
}
