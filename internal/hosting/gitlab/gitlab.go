// Package gitlab implements hosting.Provider with the GitLab client.
package gitlab

import (
	"context"
	"fmt"
	"os"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/drover/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider talks to gitlab.com or a self-hosted GitLab instance.
// projectID is the "group/subgroup/repo" path form the API accepts.
type Provider struct {
	client    *gogitlab.Client
	owner     string
	repo      string
	projectID string
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
		return nil, fmt.Errorf("could not parse project path from remote URL %q", remote)
	}

	var opts []gogitlab.ClientOptionFunc
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		opts = append(opts, gogitlab.WithBaseURL(base+"/api/v4"))
	}
	client, err := gogitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}

	return &Provider{
		client:    client,
		owner:     owner,
		repo:      repo,
		projectID: owner + "/" + repo,
	}, nil
}

func resolveToken(cfg hosting.Config) (string, error) {
	if cfg.TokenEnvVar != "" {
		token := os.Getenv(cfg.TokenEnvVar)
		if token == "" {
			return "", fmt.Errorf("gitlab token not set (export %s)", cfg.TokenEnvVar)
		}
		return token, nil
	}
	if token := os.Getenv("GITLAB_TOKEN"); token != "" {
		return token, nil
	}
	if token := os.Getenv("GITLAB_PRIVATE_TOKEN"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("gitlab token not set (export GITLAB_TOKEN)")
}

func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitLab }

func (p *Provider) OwnerRepo() (string, string) { return p.owner, p.repo }

// CheckAuth validates the token by fetching the current user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, _, err := p.client.Users.CurrentUser(gogitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

func toPR(mr *gogitlab.MergeRequest) *hosting.PR {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &hosting.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		State:      state,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		HTMLURL:    mr.WebURL,
	}
}

func (p *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	title := opts.Title
	if opts.Draft && !strings.HasPrefix(title, "Draft:") {
		title = "Draft: " + title
	}
	mr, _, err := p.client.MergeRequests.CreateMergeRequest(p.projectID, &gogitlab.CreateMergeRequestOptions{
		Title:        gogitlab.Ptr(title),
		Description:  gogitlab.Ptr(opts.Body),
		SourceBranch: gogitlab.Ptr(opts.Head),
		TargetBranch: gogitlab.Ptr(opts.Base),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create MR: %w", err)
	}
	return toPR(mr), nil
}

func (p *Provider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	mr, _, err := p.client.MergeRequests.GetMergeRequest(p.projectID, number, nil,
		gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get MR !%d: %w", number, err)
	}
	return toPR(mr), nil
}

// MergePR accepts a merge request. GitLab has no per-merge method
// switch like GitHub; "squash" maps to the squash flag and "rebase"
// relies on the project's fast-forward setting.
func (p *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) error {
	acceptOpts := &gogitlab.AcceptMergeRequestOptions{
		Squash:                   gogitlab.Ptr(opts.Method == "squash" || opts.Method == ""),
		ShouldRemoveSourceBranch: gogitlab.Ptr(opts.DeleteBranch),
	}
	if opts.CommitTitle != "" {
		acceptOpts.SquashCommitMessage = gogitlab.Ptr(opts.CommitTitle)
	}
	if _, _, err := p.client.MergeRequests.AcceptMergeRequest(p.projectID, number, acceptOpts,
		gogitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("merge MR !%d: %w", number, err)
	}
	return nil
}

// FindPRByBranch returns the open MR whose source is branch, or nil.
func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	mrs, _, err := p.client.MergeRequests.ListProjectMergeRequests(p.projectID,
		&gogitlab.ListProjectMergeRequestsOptions{
			SourceBranch: gogitlab.Ptr(branch),
			State:        gogitlab.Ptr("opened"),
		}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find MR for branch %s: %w", branch, err)
	}
	if len(mrs) == 0 {
		return nil, nil
	}
	return toBasicPR(mrs[0]), nil
}

// OpenPRCount counts open merge requests, paging as needed.
func (p *Provider) OpenPRCount(ctx context.Context) (int, error) {
	listOpts := &gogitlab.ListProjectMergeRequestsOptions{
		State:       gogitlab.Ptr("opened"),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	count := 0
	for {
		mrs, resp, err := p.client.MergeRequests.ListProjectMergeRequests(p.projectID, listOpts,
			gogitlab.WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("count open MRs: %w", err)
		}
		count += len(mrs)
		if resp.NextPage == 0 {
			return count, nil
		}
		listOpts.Page = resp.NextPage
	}
}

func toBasicPR(mr *gogitlab.MergeRequest) *hosting.PR {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &hosting.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		State:      state,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		HTMLURL:    mr.WebURL,
	}
}
