// Package github implements hosting.Provider with the go-github client.
package github

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	gogithub "github.com/google/go-github/v68/github"

	"github.com/randalmurphal/drover/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider talks to GitHub, or GitHub Enterprise when BaseURL is set.
type Provider struct {
	client *gogithub.Client
	owner  string
	repo   string
}

func newProvider(workDir string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	remote, err := hosting.RemoteURL(workDir)
	if err != nil {
		return nil, err
	}
	owner, repo := hosting.ParseOwnerRepo(remote)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL %q", remote)
	}

	client := gogithub.NewClient(&http.Client{
		Transport: &tokenTransport{token: token},
	})
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		client.BaseURL, err = client.BaseURL.Parse(base + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &Provider{client: client, owner: owner, repo: repo}, nil
}

func resolveToken(cfg hosting.Config) (string, error) {
	envVar := cfg.TokenEnvVar
	if envVar == "" {
		envVar = "GITHUB_TOKEN"
	}
	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("github token not set (export %s)", envVar)
	}
	return token, nil
}

// tokenTransport adds the Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitHub }

func (p *Provider) OwnerRepo() (string, string) { return p.owner, p.repo }

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, _, err := p.client.Users.Get(ctx, ""); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

func toPR(pr *gogithub.PullRequest) *hosting.PR {
	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}
	return &hosting.PR{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		State:      state,
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		HTMLURL:    pr.GetHTMLURL(),
	}
}

func (p *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	created, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return toPR(created), nil
}

func (p *Provider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	pr, _, err := p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return toPR(pr), nil
}

// MergePR merges a pull request with the requested method and reports
// an error when GitHub refuses the merge.
func (p *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) error {
	method := opts.Method
	if method == "" {
		method = "squash"
	}
	result, _, err := p.client.PullRequests.Merge(ctx, p.owner, p.repo, number, opts.CommitTitle,
		&gogithub.PullRequestOptions{MergeMethod: method})
	if err != nil {
		return fmt.Errorf("merge PR #%d: %w", number, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("merge PR #%d: %s", number, result.GetMessage())
	}

	if opts.DeleteBranch {
		pr, _, err := p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
		if err == nil && pr.GetHead().GetRef() != "" {
			// Branch deletion is best-effort; the branch may already
			// be gone when the repo auto-deletes merged heads.
			_, _ = p.client.Git.DeleteRef(ctx, p.owner, p.repo, "heads/"+pr.GetHead().GetRef())
		}
	}
	return nil
}

// FindPRByBranch returns the open PR whose head is branch, or nil when
// no such PR exists.
func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	prs, _, err := p.client.PullRequests.List(ctx, p.owner, p.repo, &gogithub.PullRequestListOptions{
		State: "open",
		Head:  p.owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("find PR for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return toPR(prs[0]), nil
}

// OpenPRCount counts open pull requests, paging as needed.
func (p *Provider) OpenPRCount(ctx context.Context) (int, error) {
	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	count := 0
	for {
		prs, resp, err := p.client.PullRequests.List(ctx, p.owner, p.repo, opts)
		if err != nil {
			return 0, fmt.Errorf("count open PRs: %w", err)
		}
		count += len(prs)
		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}
