package source

import (
	"context"
	"encoding/json"
	"io"

	"golang.org/x/time/rate"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/ixgest/merge"
	"github.com/teranos/ingestd/logger"
)

// Keys of the run summary a PagedController returns as its final result.
// They sit beside the record list, so the list must not reuse them.
const (
	SummaryPagesKey   = "page_count"
	SummaryRecordsKey = "record_count"
)

// PageState is the intermediate state a PagedController checkpoints
type PageState struct {
	Cursor    string `json:"cursor,omitempty"`
	Pages     int    `json:"pages"`
	Records   int    `json:"records"`
	Exhausted bool   `json:"exhausted,omitempty"`
}

// PagedConfig configures a PagedController
type PagedConfig[T, R any] struct {
	Name    string
	Source  DataSource[T]
	Convert func(Data[T]) IngestionData[R]
	// ResultKey names the list the records are stored under in the result
	ResultKey string
	Strategy  merge.Strategy
	Limiter   *rate.Limiter
}

// PagedController drives a DataSource page by page. After each page it
// checkpoints the cursor together with the converted records as a partial
// result, so a retried attempt resumes at the first page not yet stored.
type PagedController[T, R any] struct {
	cfg PagedConfig[T, R]
}

// NewPagedController creates a controller from cfg. It panics when
// ResultKey collides with a summary key or the merge strategy field.
func NewPagedController[T, R any](cfg PagedConfig[T, R]) *PagedController[T, R] {
	if cfg.ResultKey == "" {
		cfg.ResultKey = "records"
	}
	switch cfg.ResultKey {
	case SummaryPagesKey, SummaryRecordsKey, merge.StrategyField:
		panic("source: result key " + cfg.ResultKey + " is reserved for the run summary")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = merge.ResultsList
	}
	return &PagedController[T, R]{cfg: cfg}
}

func (c *PagedController[T, R]) Name() string {
	return c.cfg.Name
}

// Run implements engine.Controller
func (c *PagedController[T, R]) Run(ctx context.Context, exec *engine.Execution) (json.RawMessage, error) {
	log := exec.Logger()

	var state PageState
	if len(exec.IntermediateState) > 0 {
		if err := json.Unmarshal(exec.IntermediateState, &state); err != nil {
			log.Warnw("Discarding unreadable intermediate state, starting over", logger.FieldError, err)
			state = PageState{}
		}
	}

	params := map[string]string{}
	if err := exec.DecodeQuery(&params); err != nil {
		return nil, err
	}

	if !state.Exhausted {
		if state.Cursor != "" {
			log.Infow("Resuming fetch", "cursor", state.Cursor, logger.FieldPages, state.Pages)
		}
		if err := c.drain(ctx, exec, params, &state); err != nil {
			return nil, err
		}
	}

	return json.Marshal(map[string]interface{}{
		merge.StrategyField: string(c.cfg.Strategy),
		SummaryPagesKey:     state.Pages,
		SummaryRecordsKey:   state.Records,
	})
}

func (c *PagedController[T, R]) drain(ctx context.Context, exec *engine.Execution, params map[string]string, state *PageState) error {
	seq, err := c.cfg.Source.FetchMany(ctx, Query{
		Window:  exec.Window,
		Partial: exec.Partial,
		Cursor:  state.Cursor,
		Params:  params,
	})
	if err != nil {
		return err
	}
	seq = RateLimited(seq, c.cfg.Limiter)

	for {
		data, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		batch := c.cfg.Convert(data)
		state.Cursor = data.Cursor
		state.Pages++

		var partial json.RawMessage
		if batch.Present() && len(batch.Records) > 0 {
			state.Records += len(batch.Records)
			if partial, err = json.Marshal(map[string]interface{}{
				merge.StrategyField: string(c.cfg.Strategy),
				c.cfg.ResultKey:     batch.Records,
			}); err != nil {
				return errors.Wrap(err, "failed to encode partial result")
			}
		}
		if err := c.checkpoint(ctx, exec, state, partial, batch); err != nil {
			return err
		}
	}

	state.Exhausted = true
	return c.checkpoint(ctx, exec, state, nil, IngestionData[R]{})
}

func (c *PagedController[T, R]) checkpoint(ctx context.Context, exec *engine.Execution, state *PageState, partial json.RawMessage, batch IngestionData[R]) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to encode page state")
	}
	return exec.Checkpoint(ctx, raw, partial, batch.Failures)
}
