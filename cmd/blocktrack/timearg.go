package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/prodline/blocktrack/internal/peer"
)

var phrases = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeArg accepts RFC3339, YYYY-MM-DD or an English phrase such as
// "yesterday" or "last monday", relative to now. A date-only end bound
// covers the whole day.
func parseTimeArg(v string, end bool, now time.Time) (time.Time, error) {
	if t, err := peer.ParseBound(v, end); err == nil {
		return t, nil
	}

	r, err := phrases.Parse(v, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", v, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", v)
	}
	return r.Time, nil
}
