package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/source"
	"github.com/teranos/ingestd/pulse/job"
)

const (
	sourceName     = "github"
	defaultPerPage = 100
)

// Issue is the record stored per issue
type Issue struct {
	ID         string     `json:"id"`
	Repository string     `json:"repository,omitempty"`
	Number     int        `json:"number"`
	Title      string     `json:"title"`
	State      string     `json:"state"`
	Author     string     `json:"author,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
	URL        string     `json:"url"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// IssueSource lists repository issues. Query params: owner and repo
// (required), state (default all) and per_page. The cursor is the next
// API page number.
type IssueSource struct {
	Client *github.Client
}

func repoParams(q source.Query) (owner, repo string, err error) {
	owner, repo = q.Param("owner", ""), q.Param("repo", "")
	if owner == "" || repo == "" {
		return "", "", errors.NewInvalidRequestError("owner and repo params are required")
	}
	return owner, repo, nil
}

// FetchOne returns the issue named by the "number" param
func (s IssueSource) FetchOne(ctx context.Context, q source.Query) (source.Data[*github.Issue], error) {
	owner, repo, err := repoParams(q)
	if err != nil {
		return source.Data[*github.Issue]{}, err
	}
	number, err := strconv.Atoi(q.Param("number", ""))
	if err != nil {
		return source.Data[*github.Issue]{}, errors.NewInvalidRequestError("number param must be an integer")
	}
	issue, resp, err := s.Client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return source.Data[*github.Issue]{}, classify("get issue", resp, err)
	}
	return source.Data[*github.Issue]{Items: []*github.Issue{issue}}, nil
}

// FetchMany pages through issues in update order. A partial query starts at
// the window's lower bound and skips issues updated at or after its upper
// bound; those belong to the next window.
func (s IssueSource) FetchMany(_ context.Context, q source.Query) (source.Sequence[*github.Issue], error) {
	owner, repo, err := repoParams(q)
	if err != nil {
		return nil, err
	}
	perPage, err := strconv.Atoi(q.Param("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 || perPage > 100 {
		return nil, errors.NewInvalidRequestError("per_page must be between 1 and 100")
	}

	opts := github.IssueListByRepoOptions{
		State:       q.Param("state", "all"),
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	var until time.Time
	if q.Partial {
		opts.Since = q.Window.From
		until = q.Window.To
	}

	start := q.Cursor
	if start == "" {
		start = "1"
	}
	return source.Pages(start, func(ctx context.Context, cursor string) (source.Data[*github.Issue], error) {
		page, err := strconv.Atoi(cursor)
		if err != nil {
			return source.Data[*github.Issue]{}, errors.NewInvalidRequestError("bad page cursor %q", cursor)
		}
		pageOpts := opts
		pageOpts.Page = page

		issues, resp, err := s.Client.Issues.ListByRepo(ctx, owner, repo, &pageOpts)
		if err != nil {
			return source.Data[*github.Issue]{}, classify(fmt.Sprintf("list issues page %d", page), resp, err)
		}

		var d source.Data[*github.Issue]
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			if !until.IsZero() && !issue.GetUpdatedAt().Time.Before(until) {
				continue
			}
			d.Items = append(d.Items, issue)
		}
		if resp.NextPage != 0 {
			d.Cursor = strconv.Itoa(resp.NextPage)
		}
		return d, nil
	}), nil
}

// classify separates requests that can never succeed from transient failures
func classify(op string, resp *github.Response, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return source.NewFetchError(sourceName, op, err)
	case resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		return errors.Wrapf(errors.ErrInvalidRequest, "%s: %v", op, err)
	default:
		return source.NewFetchError(sourceName, op, err)
	}
}

// ToRecord converts an API issue into the stored record
func ToRecord(issue *github.Issue) Issue {
	rec := Issue{
		ID:         strconv.FormatInt(issue.GetID(), 10),
		Repository: repositoryName(issue.GetRepositoryURL()),
		Number:     issue.GetNumber(),
		Title:      issue.GetTitle(),
		State:      issue.GetState(),
		Author:     issue.GetUser().GetLogin(),
		URL:        issue.GetHTMLURL(),
		CreatedAt:  issue.GetCreatedAt().Time.UTC(),
		UpdatedAt:  issue.GetUpdatedAt().Time.UTC(),
	}
	if issue.ClosedAt != nil {
		closed := issue.GetClosedAt().Time.UTC()
		rec.ClosedAt = &closed
	}
	for _, l := range issue.Labels {
		rec.Labels = append(rec.Labels, l.GetName())
	}
	return rec
}

// repositoryName turns .../repos/<owner>/<repo> into owner/repo
func repositoryName(apiURL string) string {
	_, after, ok := strings.Cut(apiURL, "/repos/")
	if !ok {
		return ""
	}
	return strings.TrimSuffix(after, "/")
}

// Convert maps a page of issues to records. Issues without an author are
// kept and flagged.
func Convert(d source.Data[*github.Issue]) source.IngestionData[Issue] {
	out := source.IngestionData[Issue]{Failures: d.Failures}
	for _, issue := range d.Items {
		rec := ToRecord(issue)
		if rec.Author == "" {
			out.Failures = append(out.Failures, job.Warning(fmt.Sprintf("issue #%d has no author", rec.Number), rec.ID))
		}
		out.Records = append(out.Records, rec)
	}
	return out
}
