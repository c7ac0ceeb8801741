// Package github publishes applied patches as a branch and pull request.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
)

const branchPrefix = "autofix/"

type Options struct {
	Token             string
	Owner             string
	Repo              string
	BaseBranch        string // empty means the repository default branch
	RequestsPerSecond float64
	HTTPClient        *http.Client
	BaseURL           string // API root override, e.g. for GitHub Enterprise
}

// Publisher never writes to the base branch; every change lands on a fresh
// autofix branch.
type Publisher struct {
	client      *github.Client
	owner       string
	repo        string
	baseBranch  string
	rateLimiter *rate.Limiter
	logger      logrus.FieldLogger
}

type Request struct {
	Report    domain.Report
	Proposals []domain.FixProposal
	Records   []domain.PatchRecord
}

type Result struct {
	Branch         string
	PullRequestURL string
	Number         int
}

func New(opts Options, logger logrus.FieldLogger) (*Publisher, error) {
	if opts.Token == "" || opts.Owner == "" || opts.Repo == "" {
		return nil, apperrors.Configf("github publisher needs token, owner and repo")
	}
	client := github.NewClient(opts.HTTPClient).WithAuthToken(opts.Token)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, apperrors.Configf("invalid github base url %q: %v", opts.BaseURL, err)
		}
		client.BaseURL = u
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Publisher{
		client:      client,
		owner:       opts.Owner,
		repo:        opts.Repo,
		baseBranch:  opts.BaseBranch,
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:      logger.WithField("component", "github"),
	}, nil
}

// BranchName returns autofix/<first 8 characters of the report id>.
func BranchName(reportID string) string {
	id := strings.ReplaceAll(reportID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return branchPrefix + id
}

func (p *Publisher) wait(ctx context.Context) error {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return apperrors.PublishFailure(err, "rate limiter")
	}
	return nil
}

type remoteFile struct {
	path    string
	content string
	sha     string
}

// Publish creates the branch, commits every touched file and opens a pull
// request against the base branch.
func (p *Publisher) Publish(ctx context.Context, req Request) (Result, error) {
	if len(req.Proposals) == 0 {
		return Result{}, apperrors.PublishFailure(nil, "nothing to publish")
	}
	branch := BranchName(req.Report.ID)
	log := p.logger.WithFields(logrus.Fields{"report": req.Report.ID, "branch": branch})

	base, err := p.resolveBase(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := p.wait(ctx); err != nil {
		return Result{}, err
	}
	baseRef, _, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "refs/heads/"+base)
	if err != nil {
		return Result{}, apperrors.PublishFailure(err, "read base branch "+base)
	}

	exists, err := p.branchExists(ctx, branch)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return Result{}, apperrors.PublishFailure(nil, "branch "+branch+" already exists").WithContext("branch", branch)
	}

	if err := p.wait(ctx); err != nil {
		return Result{}, err
	}
	_, _, err = p.client.Git.CreateRef(ctx, p.owner, p.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.GetObject().SHA},
	})
	if err != nil {
		return Result{}, apperrors.PublishFailure(err, "create branch "+branch)
	}
	log.WithField("base", base).Info("branch created")

	files, err := p.readFiles(ctx, branch, req.Proposals)
	if err != nil {
		return Result{}, err
	}

	for _, path := range sortedKeys(files) {
		f := files[path]
		content := f.content
		var explanations []string
		for _, prop := range req.Proposals {
			if prop.File != path {
				continue
			}
			if !strings.Contains(content, prop.SearchFor) {
				return Result{}, apperrors.PublishFailure(apperrors.SearchTextNotFound(path), "remote copy differs from local")
			}
			content = strings.Replace(content, prop.SearchFor, prop.ReplaceWith, 1)
			explanations = append(explanations, prop.Explanation)
		}

		if err := p.wait(ctx); err != nil {
			return Result{}, err
		}
		_, _, err := p.client.Repositories.UpdateFile(ctx, p.owner, p.repo, path, &github.RepositoryContentFileOptions{
			Message: github.String(commitMessage(req.Report, path, explanations)),
			Content: []byte(content),
			SHA:     github.String(f.sha),
			Branch:  github.String(branch),
		})
		if err != nil {
			return Result{}, apperrors.PublishFailure(err, "commit "+path)
		}
		log.WithField("file", path).Debug("file committed")
	}

	if err := p.wait(ctx); err != nil {
		return Result{}, err
	}
	pr, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &github.NewPullRequest{
		Title: github.String(pullRequestTitle(req.Report)),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(PullRequestBody(req)),
	})
	if err != nil {
		return Result{}, apperrors.PublishFailure(err, "open pull request")
	}
	log.WithField("pr", pr.GetHTMLURL()).Info("pull request opened")
	return Result{Branch: branch, PullRequestURL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

func (p *Publisher) resolveBase(ctx context.Context) (string, error) {
	if p.baseBranch != "" {
		return p.baseBranch, nil
	}
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	repo, _, err := p.client.Repositories.Get(ctx, p.owner, p.repo)
	if err != nil {
		return "", apperrors.PublishFailure(err, "fetch repository")
	}
	if repo.GetDefaultBranch() == "" {
		return "", apperrors.PublishFailure(nil, "repository has no default branch")
	}
	return repo.GetDefaultBranch(), nil
}

func (p *Publisher) branchExists(ctx context.Context, branch string) (bool, error) {
	if err := p.wait(ctx); err != nil {
		return false, err
	}
	_, _, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, apperrors.PublishFailure(err, "check branch "+branch)
}

// readFiles fetches each distinct touched file from the new branch concurrently.
func (p *Publisher) readFiles(ctx context.Context, branch string, proposals []domain.FixProposal) (map[string]remoteFile, error) {
	var paths []string
	seen := map[string]bool{}
	for _, prop := range proposals {
		if !seen[prop.File] {
			seen[prop.File] = true
			paths = append(paths, prop.File)
		}
	}

	results := make([]remoteFile, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			if err := p.wait(gctx); err != nil {
				return err
			}
			fc, _, _, err := p.client.Repositories.GetContents(gctx, p.owner, p.repo, path, &github.RepositoryContentGetOptions{Ref: branch})
			if err != nil {
				return apperrors.PublishFailure(err, "read "+path)
			}
			if fc == nil {
				return apperrors.PublishFailure(nil, path+" is not a file")
			}
			content, err := fc.GetContent()
			if err != nil {
				return apperrors.PublishFailure(err, "decode "+path)
			}
			results[i] = remoteFile{path: path, content: content, sha: fc.GetSHA()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make(map[string]remoteFile, len(results))
	for _, f := range results {
		files[f.path] = f
	}
	return files, nil
}

func sortedKeys(m map[string]remoteFile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func commitMessage(r domain.Report, path string, explanations []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "autofix(%s): update %s\n\n", r.ID, path)
	for _, e := range explanations {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	fmt.Fprintf(&b, "\nReport-Id: %s\n", r.ID)
	return b.String()
}
