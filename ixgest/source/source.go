// Package source is the resumable fetch layer. A DataSource turns a Query
// into a lazy Sequence of pages; controllers drive the sequence and record
// the cursor after each page so a later attempt resumes where the last one
// stopped.
package source

import (
	"context"
	"fmt"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/pulse/job"
)

// ErrUnsupported is returned by data sources that cannot serve an operation
var ErrUnsupported = errors.New("operation not supported by data source")

// Query selects what a data source fetches
type Query struct {
	Window  engine.Window
	Partial bool
	// Cursor resumes a sequence after the last completed element; empty starts from the beginning
	Cursor string
	Params map[string]string
}

// Param returns a parameter or def when it is unset
func (q Query) Param(name, def string) string {
	if v, ok := q.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// Data is one element of a fetch: a page or a single entity. Cursor resumes
// the sequence after this element; empty means nothing follows.
type Data[T any] struct {
	Items    []T
	Failures []job.IngestionFailure
	Cursor   string
}

// DataSource is an external system records are pulled from
type DataSource[T any] interface {
	// FetchOne returns a single element, or ErrUnsupported
	FetchOne(ctx context.Context, q Query) (Data[T], error)
	// FetchMany returns a finite sequence that is not restartable
	FetchMany(ctx context.Context, q Query) (Sequence[T], error)
}

// FetchError is a fetch-level failure such as a network or auth error.
// It aborts the remaining sequence; record-level problems are reported as
// IngestionFailures instead.
type FetchError struct {
	Source string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err as a fetch-level failure
func NewFetchError(source, op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&FetchError{Source: source, Op: op, Err: err})
}

// IsFetchError reports whether err is or wraps a FetchError
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IngestionData is a converted batch of records plus the failures met while converting
type IngestionData[T any] struct {
	Records  []T                    `json:"records"`
	Failures []job.IngestionFailure `json:"failures,omitempty"`
}

// Present reports whether the batch carries anything worth keeping
func (d IngestionData[T]) Present() bool {
	return len(d.Records) > 0 || len(d.Failures) > 0
}
