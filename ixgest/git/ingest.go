// Package git ingests commit history from local git repositories.
package git

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/source"
	"github.com/teranos/ingestd/pulse/job"
)

const (
	sourceName      = "git"
	defaultPageSize = 100
)

// Commit is the record stored per commit. ID is the full hash so replays
// upsert instead of duplicating.
type Commit struct {
	ID          string    `json:"id"`
	ShortHash   string    `json:"short_hash"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	Email       string    `json:"email"`
	Timestamp   time.Time `json:"timestamp"`
	ParentCount int       `json:"parent_count"`
}

// CommitSource reads commits from a repository on disk. Query params:
// repository_path (required), ref (default HEAD), page_size and, for
// FetchOne, commit.
type CommitSource struct{}

// FetchOne returns a single commit named by the "commit" param
func (CommitSource) FetchOne(_ context.Context, q source.Query) (source.Data[*object.Commit], error) {
	repo, err := openRepository(q)
	if err != nil {
		return source.Data[*object.Commit]{}, err
	}
	hash := q.Param("commit", "")
	if hash == "" {
		return source.Data[*object.Commit]{}, errors.NewInvalidRequestError("commit param is required")
	}
	c, err := repo.CommitObject(plumbing.NewHash(hash))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return source.Data[*object.Commit]{}, errors.NewInvalidRequestError("commit %s not found", hash)
	}
	if err != nil {
		return source.Data[*object.Commit]{}, source.NewFetchError(sourceName, "commit", err)
	}
	return source.Data[*object.Commit]{Items: []*object.Commit{c}}, nil
}

// FetchMany walks the log from ref, newest first, in pages of page_size.
// A partial query only covers the window; a full one walks the whole
// history. The cursor is the hash of the last commit already emitted.
func (CommitSource) FetchMany(_ context.Context, q source.Query) (source.Sequence[*object.Commit], error) {
	repo, err := openRepository(q)
	if err != nil {
		return nil, err
	}

	pageSize, err := strconv.Atoi(q.Param("page_size", strconv.Itoa(defaultPageSize)))
	if err != nil || pageSize < 1 {
		return nil, errors.NewInvalidRequestError("page_size must be a positive integer")
	}

	start, err := resolveRef(repo, q.Param("ref", ""))
	if err != nil {
		return nil, err
	}

	opts := &git.LogOptions{From: start, Order: git.LogOrderCommitterTime}
	if q.Partial {
		if !q.Window.From.IsZero() {
			from := q.Window.From
			opts.Since = &from
		}
		if !q.Window.To.IsZero() {
			until := q.Window.To.Add(-time.Nanosecond)
			opts.Until = &until
		}
	}

	iter, err := repo.Log(opts)
	if err != nil {
		return nil, source.NewFetchError(sourceName, "log", err)
	}

	var restart []job.IngestionFailure
	if q.Cursor != "" {
		found, err := skipPast(iter, q.Cursor)
		if err != nil {
			return nil, source.NewFetchError(sourceName, "resume", err)
		}
		if !found {
			// history was rewritten under us; replaying is safe because records upsert by hash
			iter.Close()
			if iter, err = repo.Log(opts); err != nil {
				return nil, source.NewFetchError(sourceName, "log", err)
			}
			restart = append(restart, job.Warning("resume cursor not found in history, restarting walk", q.Cursor))
		}
	}

	done := false
	return source.SequenceFunc(func(ctx context.Context) (source.Data[*object.Commit], error) {
		var page source.Data[*object.Commit]
		if done {
			return page, io.EOF
		}
		page.Failures, restart = restart, nil

		for len(page.Items) < pageSize {
			if err := ctx.Err(); err != nil {
				iter.Close()
				return source.Data[*object.Commit]{}, errors.WithStack(err)
			}
			c, err := iter.Next()
			if errors.Is(err, io.EOF) {
				done = true
				iter.Close()
				break
			}
			if err != nil {
				iter.Close()
				return source.Data[*object.Commit]{}, source.NewFetchError(sourceName, "log", err)
			}
			page.Items = append(page.Items, c)
		}

		if len(page.Items) == 0 && len(page.Failures) == 0 {
			return page, io.EOF
		}
		if !done && len(page.Items) > 0 {
			page.Cursor = page.Items[len(page.Items)-1].Hash.String()
		}
		return page, nil
	}), nil
}

func openRepository(q source.Query) (*git.Repository, error) {
	path := q.Param("repository_path", "")
	if path == "" {
		return nil, errors.NewInvalidRequestError("repository_path param is required")
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errors.NewInvalidRequestError("no git repository at %s", path)
	}
	if err != nil {
		return nil, source.NewFetchError(sourceName, "open", err)
	}
	return repo, nil
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, source.NewFetchError(sourceName, "head", err)
		}
		return head.Hash(), nil
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, errors.NewInvalidRequestError("cannot resolve ref %q: %v", ref, err)
	}
	return *hash, nil
}

// skipPast advances iter to just after the commit with the given hash
func skipPast(iter object.CommitIter, hash string) (bool, error) {
	for {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if c.Hash.String() == hash {
			return true, nil
		}
	}
}

// ToRecord converts a go-git commit into the stored record
func ToRecord(c *object.Commit) Commit {
	hash := c.Hash.String()
	return Commit{
		ID:          hash,
		ShortHash:   hash[:7],
		Message:     truncateMessage(strings.TrimSpace(c.Message)),
		Author:      c.Author.Name,
		Email:       c.Author.Email,
		Timestamp:   c.Author.When.UTC(),
		ParentCount: c.NumParents(),
	}
}

// Convert turns a page of commits into records, flagging commits without a message
func Convert(d source.Data[*object.Commit]) source.IngestionData[Commit] {
	out := source.IngestionData[Commit]{Failures: d.Failures}
	for _, c := range d.Items {
		rec := ToRecord(c)
		if rec.Message == "" {
			out.Failures = append(out.Failures, job.Warning("commit has an empty message", rec.ID))
		}
		out.Records = append(out.Records, rec)
	}
	return out
}

func truncateMessage(message string) string {
	if first, _, ok := strings.Cut(message, "\n"); ok {
		message = first
	}
	if len(message) > 80 {
		return message[:77] + "..."
	}
	return message
}

// IsGitRepository reports whether path holds a repository go-git can open
func IsGitRepository(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}
