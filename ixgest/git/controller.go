package git

import (
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/time/rate"

	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/ixgest/merge"
	"github.com/teranos/ingestd/ixgest/source"
)

// ControllerName is what job definitions reference to ingest commits
const ControllerName = "scm.commits"

// NewController returns the commit ingestion controller. limiter may be nil.
func NewController(limiter *rate.Limiter) engine.Controller {
	return source.NewPagedController(source.PagedConfig[*object.Commit, Commit]{
		Name:      ControllerName,
		Source:    CommitSource{},
		Convert:   Convert,
		ResultKey: "commits",
		Strategy:  merge.KeyedList,
		Limiter:   limiter,
	})
}
