package cms

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// GithubRepoInfo is the subset of GitHub repo metadata the orchestrator
// needs to resolve a project's github_repo_id into a clone URL and default
// branch when a task omits them explicitly.
type GithubRepoInfo struct {
	ID            int64
	FullName      string
	CloneURL      string
	DefaultBranch string
}

// GithubClient resolves github_repo_id values via the GitHub REST API.
// Authentication is fixed when the client is built (an authenticating
// *http.Client, or a static token via NewGithubClientWithToken); no token
// is passed per call.
type GithubClient struct {
	httpClient *http.Client
}

// NewGithubClient builds a client around the given base HTTP client
// (typically one produced by an installation-token transport upstream of
// this package; kept generic here so tests can inject a fake transport).
func NewGithubClient(httpClient *http.Client) *GithubClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GithubClient{httpClient: httpClient}
}

// NewGithubClientWithToken builds a client authenticated with a plain OAuth2
// token, for callers that already hold an installation or personal token.
func NewGithubClientWithToken(ctx context.Context, token string) *GithubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GithubClient{httpClient: oauth2.NewClient(ctx, ts)}
}

// GetRepoByID resolves a numeric GitHub repository id to its clone URL and
// default branch, falling back to "main" when GitHub reports no default
// branch.
func (c *GithubClient) GetRepoByID(ctx context.Context, repoID int64) (*GithubRepoInfo, error) {
	gh := github.NewClient(c.httpClient)
	repo, _, err := gh.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("get github repo %d: %w", repoID, err)
	}
	info := &GithubRepoInfo{
		ID: repo.GetID(),
	}
	if repo.FullName != nil {
		info.FullName = *repo.FullName
	}
	if repo.CloneURL != nil {
		info.CloneURL = *repo.CloneURL
	}
	info.DefaultBranch = repo.GetDefaultBranch()
	if info.DefaultBranch == "" {
		info.DefaultBranch = "main"
	}
	return info, nil
}
