// Package githubremote projects tasks and steps onto GitHub: one issue per
// task, one comment per step.
package githubremote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/projection"
)

// Config is the configuration of the GitHub remote.
type Config struct {
	Owner string
	Repo  string
	Token string
	// MaxRetries bounds the transient-error retry loop per call.
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         log.Logger
	// BaseURL overrides the API endpoint, used for GitHub Enterprise and
	// tests.
	BaseURL string
}

func (c *Config) defaults() error {
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("owner and repo are required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "projection.GitHubRemote"})
	return nil
}

// Remote is a GitHub implementation of projection.Remote.
type Remote struct {
	client  *github.Client
	owner   string
	repo    string
	retries int
	backoff time.Duration
	logger  log.Logger
}

// NewRemote creates a new GitHub remote.
func NewRemote(ctx context.Context, cfg Config) (*Remote, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
	}

	return &Remote{
		client:  client,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		retries: cfg.MaxRetries,
		backoff: cfg.InitialBackoff,
		logger:  cfg.Logger,
	}, nil
}

// PublishTask creates or updates the task's issue. The ref is the issue
// number.
func (r *Remote) PublishTask(ctx context.Context, u projection.TaskUpsert) (string, error) {
	body := projection.RenderTaskBody(u.Task, u.Steps)
	req := &github.IssueRequest{
		Title:  github.String(issueTitle(u.Task)),
		Body:   github.String(body),
		Labels: &[]string{"conductor", "status:" + string(u.Task.Status)},
		State:  github.String(issueState(u.Task.Status)),
	}

	if u.Ref == "" {
		var issue *github.Issue
		err := r.withRetries(ctx, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			issue, resp, err = r.client.Issues.Create(ctx, r.owner, r.repo, req)
			return resp, err
		})
		if err != nil {
			return "", fmt.Errorf("could not create issue: %w", err)
		}
		return strconv.Itoa(issue.GetNumber()), nil
	}

	number, err := strconv.Atoi(u.Ref)
	if err != nil {
		return "", fmt.Errorf("invalid issue ref %q: %w", u.Ref, model.ErrNotValid)
	}
	err = r.withRetries(ctx, func() (*github.Response, error) {
		_, resp, err := r.client.Issues.Edit(ctx, r.owner, r.repo, number, req)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("could not update issue #%d: %w", number, err)
	}

	return u.Ref, nil
}

// PublishStep creates or updates the step's comment on its task's issue. The
// ref is the comment id.
func (r *Remote) PublishStep(ctx context.Context, u projection.StepUpsert) (string, error) {
	body := projection.RenderStepBody(u.Step, u.Attempts)
	comment := &github.IssueComment{Body: github.String(body)}

	if u.Ref == "" {
		number, err := strconv.Atoi(u.TaskRef)
		if err != nil {
			return "", fmt.Errorf("invalid issue ref %q: %w", u.TaskRef, model.ErrNotValid)
		}

		var created *github.IssueComment
		err = r.withRetries(ctx, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			created, resp, err = r.client.Issues.CreateComment(ctx, r.owner, r.repo, number, comment)
			return resp, err
		})
		if err != nil {
			return "", fmt.Errorf("could not create comment: %w", err)
		}
		return strconv.FormatInt(created.GetID(), 10), nil
	}

	commentID, err := strconv.ParseInt(u.Ref, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid comment ref %q: %w", u.Ref, model.ErrNotValid)
	}
	err = r.withRetries(ctx, func() (*github.Response, error) {
		_, resp, err := r.client.Issues.EditComment(ctx, r.owner, r.repo, commentID, comment)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("could not update comment %d: %w", commentID, err)
	}

	return u.Ref, nil
}

// withRetries runs one API call with exponential backoff on transient errors
// and honors rate limit resets.
func (r *Remote) withRetries(ctx context.Context, call func() (*github.Response, error)) error {
	backoff := r.backoff

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		resp, err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err, resp) {
			return err
		}
		if attempt == r.retries {
			break
		}

		wait := backoff
		if rle, ok := err.(*github.RateLimitError); ok {
			wait = time.Until(rle.Rate.Reset.Time)
			if wait < 0 {
				wait = backoff
			}
		}
		r.logger.Warningf("GitHub call failed, retrying in %s: %s", wait, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
	}

	return fmt.Errorf("after %d retries: %w", r.retries, lastErr)
}

func retryable(err error, resp *github.Response) bool {
	switch err.(type) {
	case *github.RateLimitError, *github.AbuseRateLimitError:
		return true
	}
	if resp == nil {
		// Network-level failure.
		return true
	}
	return resp.StatusCode >= 500
}

func issueTitle(task model.Task) string {
	title := task.Description
	if len(title) > 80 {
		title = title[:77] + "..."
	}
	return title
}

func issueState(status model.TaskStatus) string {
	if status.Terminal() {
		return "closed"
	}
	return "open"
}
