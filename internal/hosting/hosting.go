// Package hosting abstracts the git host the create_pr and merge_pr
// hooks talk to. GitHub and GitLab implementations register
// themselves at init; the factory picks one from the remote URL.
package hosting

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// ProviderType identifies the hosting provider.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// Provider is the narrow host surface the hook engine and scheduler
// use: open a PR for a pushed branch, merge it, and count open PRs
// for backpressure.
type Provider interface {
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)
	GetPR(ctx context.Context, number int) (*PR, error)
	MergePR(ctx context.Context, number int, opts PRMergeOptions) error
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)
	OpenPRCount(ctx context.Context) (int, error)

	CheckAuth(ctx context.Context) error
	Name() ProviderType
	OwnerRepo() (string, string)
}

// PR is a pull request / merge request in provider-neutral form.
type PR struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	State      string `json:"state"` // open, closed, merged
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
	HTMLURL    string `json:"html_url"`
}

// PRCreateOptions for opening a PR.
type PRCreateOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// PRMergeOptions for merging a PR.
type PRMergeOptions struct {
	Method       string // merge, squash, rebase
	CommitTitle  string
	DeleteBranch bool
}

// Config selects and authenticates the provider.
type Config struct {
	// Provider is "github", "gitlab", or "" / "auto" to detect from
	// the origin remote URL.
	Provider string `yaml:"provider,omitempty"`
	// BaseURL points at a self-hosted instance.
	BaseURL string `yaml:"base_url,omitempty"`
	// TokenEnvVar overrides the token environment variable
	// (GITHUB_TOKEN / GITLAB_TOKEN by default).
	TokenEnvVar string `yaml:"token_env_var,omitempty"`
}

// NewProviderFunc constructs a provider. Registered at init time by
// the provider packages to avoid import cycles.
type NewProviderFunc func(workDir string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a constructor for a provider type.
func RegisterProvider(pt ProviderType, fn NewProviderFunc) {
	providerConstructors[pt] = fn
}

// NewProvider builds the provider for the repository at workDir.
func NewProvider(workDir string, cfg Config) (Provider, error) {
	pt, err := resolveProviderType(workDir, cfg)
	if err != nil {
		return nil, err
	}
	fn, ok := providerConstructors[pt]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", pt)
	}
	return fn(workDir, cfg)
}

func resolveProviderType(workDir string, cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	remote, err := RemoteURL(workDir)
	if err != nil {
		return "", err
	}
	pt := DetectProvider(remote)
	if pt == ProviderUnknown {
		return "", fmt.Errorf("could not detect hosting provider from remote %q", remote)
	}
	return pt, nil
}

// RemoteURL returns the origin remote URL of the repository at workDir.
func RemoteURL(workDir string) (string, error) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("get remote URL: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

var (
	githubRe = regexp.MustCompile(`github(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
	gitlabRe = regexp.MustCompile(`gitlab(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
)

// DetectProvider classifies a remote URL. Self-hosted instances match
// on the github./gitlab. host prefix convention.
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))
	switch {
	case githubRe.MatchString(url):
		return ProviderGitHub
	case gitlabRe.MatchString(url):
		return ProviderGitLab
	default:
		return ProviderUnknown
	}
}

// ParseOwnerRepo extracts owner (possibly "group/subgroup") and repo
// from ssh, scp-style, and https remote URLs.
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSuffix(strings.TrimSpace(remoteURL), ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = strings.TrimLeft(raw[idx+1:], "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = raw[idx+1:]
		}
	default:
		if idx := strings.Index(raw, ":"); idx != -1 {
			raw = raw[idx+1:]
		}
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return raw, ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}
