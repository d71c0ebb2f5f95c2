package github

import (
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"

	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/ixgest/merge"
	"github.com/teranos/ingestd/ixgest/source"
)

// ControllerName is what job definitions reference to ingest issues
const ControllerName = "github.issues"

// Limiter spreads requestsPerMinute evenly with a burst of one. Zero or
// less means unlimited.
func Limiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
}

// NewController returns the issue ingestion controller. limiter may be nil.
func NewController(client *github.Client, limiter *rate.Limiter) engine.Controller {
	return source.NewPagedController(source.PagedConfig[*github.Issue, Issue]{
		Name:      ControllerName,
		Source:    IssueSource{Client: client},
		Convert:   Convert,
		ResultKey: "issues",
		Strategy:  merge.KeyedList,
		Limiter:   limiter,
	})
}
