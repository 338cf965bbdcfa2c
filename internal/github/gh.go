package github

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/google/go-github/v55/github"
	"github.com/pkg/errors"

	"github.com/clowarden-project/clowarden/internal/config"
)

// Source locates a version of a repository's content: a ref in a
// repository, fetched through the installation provided (or the fallback
// token client when no installation is set).
type Source struct {
	InstallationID *int64
	Owner          string
	Repo           string
	Ref            string
}

// NewSource returns the source of the configuration repository's base
// reference for the organization provided.
func NewSource(org *config.Organization) Source {
	installationID := org.InstallationID
	return Source{
		InstallationID: &installationID,
		Owner:          org.Name,
		Repo:           org.Repository,
		Ref:            org.Branch,
	}
}

// Ctx identifies the organization an API operation targets and the
// installation used to authenticate it.
type Ctx struct {
	InstallationID *int64
	Org            string
}

// NewCtx returns the API context for the organization provided.
func NewCtx(org *config.Organization) Ctx {
	installationID := org.InstallationID
	return Ctx{
		InstallationID: &installationID,
		Org:            org.Name,
	}
}

// checkRunName is the name of the check run created on pull requests that
// modify the configuration.
const checkRunName = "CLOWarden"

// NewCheckRunOptions prepares the options to create a check run on the
// head commit provided. An empty conclusion leaves the check run in
// progress.
func NewCheckRunOptions(headSHA, status, conclusion, summary string) github.CreateCheckRunOptions {
	opts := github.CreateCheckRunOptions{
		Name:    checkRunName,
		HeadSHA: headSHA,
		Status:  github.String(status),
		Output: &github.CheckRunOutput{
			Title:   github.String(summary),
			Summary: github.String(summary),
		},
	}
	if conclusion != "" {
		opts.Conclusion = github.String(conclusion)
	}
	return opts
}

// GH abstracts the repository-content and pull-request level operations
// used by the loaders and the webhook handler.
type GH interface {
	// GetFileContent returns the decoded content of the file at the path
	// provided in the source's repository and ref.
	GetFileContent(ctx context.Context, src Source, path string) (string, error)

	// CreateCheckRun creates a check run on the head commit of a pull
	// request in the configuration repository.
	CreateCheckRun(ctx context.Context, c Ctx, repo string, opts github.CreateCheckRunOptions) error

	// PostComment posts a comment on a pull request, returning the
	// comment id.
	PostComment(ctx context.Context, c Ctx, repo string, prNumber int, body string) (int64, error)

	// ListPRFiles returns the files modified by a pull request.
	ListPRFiles(ctx context.Context, c Ctx, repo string, prNumber int) ([]*github.CommitFile, error)
}

// Client implements GH on top of the go-github API client, picking the
// right client for the installation each call targets.
type Client struct {
	provider    *ClientProvider
	tokenClient *github.Client
}

// NewClient creates a GH implementation. Either of the provider (app
// credentials) or the token client (CLI) may be nil.
func NewClient(provider *ClientProvider, tokenClient *github.Client) *Client {
	return &Client{
		provider:    provider,
		tokenClient: tokenClient,
	}
}

func (c *Client) clientFor(installationID *int64) (*github.Client, error) {
	if installationID == nil {
		if c.tokenClient == nil {
			return nil, errors.New("no github token available")
		}
		return c.tokenClient, nil
	}
	if c.provider == nil {
		return nil, errors.New("no github app credentials available")
	}
	return c.provider.Client(*installationID)
}

func (c *Client) GetFileContent(ctx context.Context, src Source, path string) (string, error) {
	client, err := c.clientFor(src.InstallationID)
	if err != nil {
		return "", err
	}

	fileContent, _, _, err := client.Repositories.GetContents(ctx, src.Owner, src.Repo, path, &github.RepositoryContentGetOptions{
		Ref: src.Ref,
	})
	if err != nil {
		return "", err
	}
	if fileContent == nil {
		return "", errors.Errorf("path %s is not a file", path)
	}
	if fileContent.Content == nil {
		return "", nil
	}

	// The API pads the base64 payload with newlines
	encoded := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, *fileContent.Content)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "error decoding file content")
	}
	return string(decoded), nil
}

func (c *Client) CreateCheckRun(ctx context.Context, ghCtx Ctx, repo string, opts github.CreateCheckRunOptions) error {
	client, err := c.clientFor(ghCtx.InstallationID)
	if err != nil {
		return err
	}
	_, _, err = client.Checks.CreateCheckRun(ctx, ghCtx.Org, repo, opts)
	return err
}

func (c *Client) PostComment(ctx context.Context, ghCtx Ctx, repo string, prNumber int, body string) (int64, error) {
	client, err := c.clientFor(ghCtx.InstallationID)
	if err != nil {
		return 0, err
	}
	comment, _, err := client.Issues.CreateComment(ctx, ghCtx.Org, repo, prNumber, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return 0, err
	}
	return comment.GetID(), nil
}

func (c *Client) ListPRFiles(ctx context.Context, ghCtx Ctx, repo string, prNumber int) ([]*github.CommitFile, error) {
	client, err := c.clientFor(ghCtx.InstallationID)
	if err != nil {
		return nil, err
	}

	var files []*github.CommitFile
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.PullRequests.ListFiles(ctx, ghCtx.Org, repo, prNumber, opts)
		if err != nil {
			return nil, err
		}
		files = append(files, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}
