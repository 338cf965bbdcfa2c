// Package server implements the HTTP server: the GitHub webhook endpoint
// that turns pull request events into jobs and the audit API used to
// explore the changes applied.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/db"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/jobs"
)

const (
	// githubEventHeader is the header representing the kind of the event
	// received.
	githubEventHeader = "X-GitHub-Event"

	// githubSignatureHeader is the header representing the event payload
	// signature.
	githubSignatureHeader = "X-Hub-Signature-256"

	// paginationTotalCountHeader indicates the number of items available
	// for pagination purposes.
	paginationTotalCountHeader = "pagination-total-count"
)

// Server handles the HTTP requests to the supported endpoints.
type Server struct {
	cfg    *config.Config
	db     db.DB
	gh     github.GH
	jobsCh chan<- jobs.Job
}

// New creates a new Server instance.
func New(cfg *config.Config, db db.DB, gh github.GH, jobsCh chan<- jobs.Job) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		gh:     gh,
		jobsCh: jobsCh,
	}
}

// Router sets up the HTTP router.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.POST("/webhook/github", s.handleEvent)
	e.GET("/health-check", s.healthCheck)

	// Audit endpoints, optionally behind basic auth
	audit := e.Group("/audit")
	if s.cfg.Server.BasicAuth.Enabled {
		audit.Use(middleware.BasicAuth(func(username, password string, _ echo.Context) (bool, error) {
			usernameOK := username == s.cfg.Server.BasicAuth.Username
			passwordOK := password == s.cfg.Server.BasicAuth.Password
			return usernameOK && passwordOK, nil
		}))
	}
	audit.GET("/api/organizations", s.listOrganizations)
	audit.GET("/api/changes/search", s.searchChanges)
	if s.cfg.Server.StaticPath != "" {
		auditPath := filepath.Join(s.cfg.Server.StaticPath, "audit")
		auditIndex := filepath.Join(auditPath, "index.html")
		audit.Static("/static", filepath.Join(auditPath, "static"))
		audit.GET("", func(c echo.Context) error { return c.File(auditIndex) })
		audit.GET("/*", func(c echo.Context) error { return c.File(auditIndex) })
		e.Static("/static", s.cfg.Server.StaticPath)
		e.GET("/", func(c echo.Context) error {
			return c.File(filepath.Join(s.cfg.Server.StaticPath, "index.html"))
		})
	}

	return e
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleEvent processes webhook events from GitHub, enqueueing a job when
// a pull request that updates the configuration is opened, synchronized or
// merged.
func (s *Server) handleEvent(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.String(http.StatusBadRequest, "error reading request body")
	}

	// Verify payload signature
	if err := verifySignature(
		c.Request().Header.Get(githubSignatureHeader),
		s.cfg.GitHubApp.WebhookSecret,
		s.cfg.GitHubApp.WebhookSecretFallback,
		body,
	); err != nil {
		return c.String(http.StatusBadRequest, "no valid signature found")
	}

	// Parse event
	eventName := c.Request().Header.Get(githubEventHeader)
	if eventName == "" {
		return c.String(http.StatusBadRequest, "event header missing")
	}
	if eventName != "pull_request" {
		return c.NoContent(http.StatusOK)
	}
	var event gogithub.PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return c.String(http.StatusBadRequest, "invalid event payload")
	}

	// Check event comes from a registered organization
	org := s.cfg.Organization(event.GetOrganization().GetLogin())
	if org == nil {
		return c.NoContent(http.StatusOK)
	}

	// Check if we are interested on the event's action
	action := event.GetAction()
	if action != "opened" && action != "synchronize" && action != "closed" {
		return c.NoContent(http.StatusOK)
	}

	// Check if the PR updates the configuration files
	updatesConfig, err := s.prUpdatesConfig(c, org, &event)
	if err != nil {
		logrus.WithError(err).Error("error checking if pr updates config")
		return c.NoContent(http.StatusOK)
	}
	if !updatesConfig {
		return c.NoContent(http.StatusOK)
	}

	// Take action on event
	pr := event.GetPullRequest()
	switch action {
	case "opened", "synchronize":
		// Create validation in-progress check run
		ghCtx := github.NewCtx(org)
		opts := github.NewCheckRunOptions(pr.GetHead().GetSHA(), "in_progress", "", "Validating configuration changes")
		if err := s.gh.CreateCheckRun(c.Request().Context(), ghCtx, org.Repository, opts); err != nil {
			logrus.WithError(err).Error("error creating validation in-progress check run")
		}

		// Enqueue validation job
		s.jobsCh <- &jobs.ValidateJob{
			Org:      org,
			PRNumber: pr.GetNumber(),
			PRHead: jobs.PRHead{
				Owner: pr.GetHead().GetRepo().GetOwner().GetLogin(),
				Repo:  pr.GetHead().GetRepo().GetName(),
				Ref:   pr.GetHead().GetRef(),
				SHA:   pr.GetHead().GetSHA(),
			},
		}
	case "closed":
		if !pr.GetMerged() {
			break
		}

		// Enqueue reconcile job
		prNumber := pr.GetNumber()
		job := &jobs.ReconcileJob{
			Org:         org,
			PRNumber:    &prNumber,
			PRCreatedBy: pr.GetUser().GetLogin(),
			PRMergedBy:  pr.GetMergedBy().GetLogin(),
		}
		if pr.MergedAt != nil {
			t := pr.MergedAt.Time
			job.PRMergedAt = &t
		}
		s.jobsCh <- job
	}

	return c.NoContent(http.StatusOK)
}

// prUpdatesConfig checks if the pull request in the event provided updates
// any of the organization's configuration files.
func (s *Server) prUpdatesConfig(c echo.Context, org *config.Organization, event *gogithub.PullRequestEvent) (bool, error) {
	// Check if repository and base branch in PR match with config
	if event.GetRepo().GetName() != org.Repository {
		return false, nil
	}
	if event.GetPullRequest().GetBase().GetRef() != org.Branch {
		return false, nil
	}

	// Check if any of the configuration files is on the pr
	cfgFiles := []string{org.Legacy.SheriffPermissionsPath}
	if org.Legacy.CNCFPeoplePath != "" {
		cfgFiles = append(cfgFiles, org.Legacy.CNCFPeoplePath)
	}
	ghCtx := github.NewCtx(org)
	files, err := s.gh.ListPRFiles(c.Request().Context(), ghCtx, org.Repository, event.GetPullRequest().GetNumber())
	if err != nil {
		return false, err
	}
	for _, file := range files {
		for _, cfgFile := range cfgFiles {
			if file.GetFilename() == cfgFile {
				return true, nil
			}
		}
	}

	return false, nil
}

// listOrganizations returns the names of the organizations registered.
func (s *Server) listOrganizations(c echo.Context) error {
	names := make([]string, 0, len(s.cfg.Organizations))
	for _, org := range s.cfg.Organizations {
		names = append(names, org.Name)
	}
	return c.JSON(http.StatusOK, names)
}

// searchChanges returns the changes matching the filters provided in the
// query string.
func (s *Server) searchChanges(c echo.Context) error {
	input, err := searchChangesInputFromQuery(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	count, data, err := s.db.SearchChanges(c.Request().Context(), input)
	if err != nil {
		logrus.WithError(err).Error("error searching changes")
		return c.NoContent(http.StatusInternalServerError)
	}

	c.Response().Header().Set(paginationTotalCountHeader, strconv.Itoa(count))
	return c.JSONBlob(http.StatusOK, data)
}

func searchChangesInputFromQuery(c echo.Context) (*db.SearchChangesInput, error) {
	input := &db.SearchChangesInput{
		Service:    c.QueryParams()["service"],
		Kind:       c.QueryParams()["kind"],
		PRMergedBy: c.QueryParam("pr_merged_by"),
		TSQueryWeb: c.QueryParam("ts_query_web"),
	}
	var err error
	if v := c.QueryParam("limit"); v != "" {
		if input.Limit, err = strconv.Atoi(v); err != nil {
			return nil, errors.New("invalid limit")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if input.Offset, err = strconv.Atoi(v); err != nil {
			return nil, errors.New("invalid offset")
		}
	}
	if v := c.QueryParam("pr_number"); v != "" {
		prNumber, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("invalid pr_number")
		}
		input.PRNumber = &prNumber
	}
	if v := c.QueryParam("applied_from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("invalid applied_from")
		}
		input.AppliedFrom = &from
	}
	if v := c.QueryParam("applied_to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("invalid applied_to")
		}
		input.AppliedTo = &to
	}
	if v := c.QueryParam("applied_successfully"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("invalid applied_successfully")
		}
		input.AppliedSuccessfully = &success
	}
	return input, nil
}

// verifySignature checks the payload signature against the webhook secret,
// falling back to the secondary secret when one is configured.
func verifySignature(signature, secret, secretFallback string, body []byte) error {
	if !strings.HasPrefix(signature, "sha256=") {
		return errors.New("no valid signature found")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(provided) == 0 {
		return errors.New("no valid signature found")
	}

	for _, s := range []string{secret, secretFallback} {
		if s == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(s))
		mac.Write(body)
		if hmac.Equal(provided, mac.Sum(nil)) {
			return nil
		}
	}
	return errors.New("invalid signature")
}
