// Package jobs defines the types and functionality needed to schedule and
// process validation and reconciliation jobs.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/db"
	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/multierror"
	"github.com/clowarden-project/clowarden/internal/services"
	"github.com/clowarden-project/clowarden/internal/tmpl"
)

const (
	// reconcileFrequency is how often periodic reconcile jobs are
	// scheduled.
	reconcileFrequency = 1 * time.Hour

	// scheduledJobsDelay is the delay introduced between the reconcile
	// jobs scheduled for each organization.
	scheduledJobsDelay = 30 * time.Second

	// orgQueueSize is the size of each organization's jobs queue.
	orgQueueSize = 100
)

// Job is implemented by the jobs the handler processes.
type Job interface {
	// OrgName returns the name of the organization the job targets.
	OrgName() string
}

// ValidateJob verifies that the changes proposed to the configuration in a
// pull request are valid, posting the results to it.
type ValidateJob struct {
	Org      *config.Organization
	PRNumber int
	PRHead   PRHead
}

// PRHead locates the head commit of a pull request.
type PRHead struct {
	Owner string
	Repo  string
	Ref   string
	SHA   string
}

func (j *ValidateJob) OrgName() string { return j.Org.Name }

// ReconcileJob applies the changes needed so that the actual state in the
// services matches the desired state in the configuration. It can be
// triggered periodically or from a merged pull request.
type ReconcileJob struct {
	Org         *config.Organization
	PRNumber    *int
	PRCreatedBy string
	PRMergedBy  string
	PRMergedAt  *time.Time
}

func (j *ReconcileJob) OrgName() string { return j.Org.Name }

// Handler processes the jobs received on the jobs channel.
type Handler struct {
	db       db.DB
	gh       github.GH
	services map[services.ServiceName]services.ServiceHandler
}

// NewHandler creates a new Handler instance.
func NewHandler(
	db db.DB,
	gh github.GH,
	services map[services.ServiceName]services.ServiceHandler,
) *Handler {
	return &Handler{
		db:       db,
		gh:       gh,
		services: services,
	}
}

// Start spawns one worker per organization, plus a router that moves jobs
// from the central channel to the corresponding organization's queue. Jobs
// targeting the same organization are processed strictly in order. All
// workers stop when the stop channel is closed, always finishing the job
// in flight first. The wait group returned can be used to wait for them.
func (h *Handler) Start(jobsCh <-chan Job, stopCh <-chan struct{}, orgs []*config.Organization) *sync.WaitGroup {
	var wg sync.WaitGroup

	// Create a worker for each organization
	orgQueues := make(map[string]chan Job, len(orgs))
	for _, org := range orgs {
		orgQueue := make(chan Job, orgQueueSize)
		orgQueues[org.Name] = orgQueue
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.organizationWorker(orgQueue, stopCh)
		}()
	}

	// Create a worker to route jobs to the corresponding org worker
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case job := <-jobsCh:
				orgQueue, ok := orgQueues[job.OrgName()]
				if !ok {
					logrus.WithField("org", job.OrgName()).Warn("job for unknown organization dropped")
					continue
				}
				// Jobs must not be shed when the queue is full: a lost
				// reconcile job would leave the organization out of sync
				// until the next scheduled run. Block until there is room.
				select {
				case orgQueue <- job:
				case <-stopCh:
					return
				}
			}
		}
	}()

	return &wg
}

// organizationWorker processes the jobs of a single organization. The stop
// channel is only checked between jobs.
func (h *Handler) organizationWorker(orgQueue <-chan Job, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case job := <-orgQueue:
			ctx := context.Background()
			switch j := job.(type) {
			case *ValidateJob:
				if err := h.handleValidateJob(ctx, j); err != nil {
					logrus.WithField("org", j.Org.Name).WithError(err).Error("error processing validate job")
				}
			case *ReconcileJob:
				if err := h.handleReconcileJob(ctx, j); err != nil {
					logrus.WithField("org", j.Org.Name).WithError(err).Error("error processing reconcile job")
				}
			}
		}
	}
}

// handleValidateJob validates the configuration changes proposed in a pull
// request, posting a comment with the results and setting a check run on
// its head commit.
func (h *Handler) handleValidateJob(ctx context.Context, job *ValidateJob) error {
	merr := multierror.New("")

	// Prepare head configuration source
	installationID := job.Org.InstallationID
	headSrc := github.Source{
		InstallationID: &installationID,
		Owner:          job.PRHead.Owner,
		Repo:           job.PRHead.Repo,
		Ref:            job.PRHead.Ref,
	}
	if headSrc.Owner == "" {
		headSrc.Owner = job.Org.Name
	}
	if headSrc.Repo == "" {
		headSrc.Repo = job.Org.Repository
	}

	// Directory configuration validation
	directoryChanges, err := directory.GetChangesSummary(ctx, h.gh, job.Org, headSrc)
	if err != nil {
		merr.Push(err)
		directoryChanges = &services.ChangesSummary{BaseRefConfigStatus: services.StatusUnknown}
	}

	// Services configuration validation
	servicesChanges := map[services.ServiceName]*services.ChangesSummary{}
	if !merr.HasErrors() {
		for _, serviceName := range sortedServiceNames(h.services) {
			summary, err := h.services[serviceName].GetChangesSummary(ctx, job.Org, headSrc)
			if err != nil {
				merr.Push(err)
				continue
			}
			servicesChanges[serviceName] = summary
		}
	}

	// Post validation completed comment and create check run
	var commentBody string
	var checkRun checkRunResult
	if merr.HasErrors() {
		commentBody, err = tmpl.ValidationFailed(merr)
		checkRun = checkRunResult{
			conclusion: "failure",
			summary:    "The configuration changes proposed are not valid",
		}
	} else {
		commentBody, err = tmpl.ValidationSucceeded(directoryChanges, servicesChanges)
		checkRun = checkRunResult{
			conclusion: "success",
			summary:    "The configuration changes proposed are valid",
		}
	}
	if err != nil {
		return err
	}
	ghCtx := github.NewCtx(job.Org)
	if _, err := h.gh.PostComment(ctx, ghCtx, job.Org.Repository, job.PRNumber, commentBody); err != nil {
		return err
	}
	opts := github.NewCheckRunOptions(job.PRHead.SHA, "completed", checkRun.conclusion, checkRun.summary)
	if err := h.gh.CreateCheckRun(ctx, ghCtx, job.Org.Repository, opts); err != nil {
		return err
	}

	return merr.ErrorOrNil()
}

type checkRunResult struct {
	conclusion string
	summary    string
}

// handleReconcileJob reconciles the state of each of the services,
// registering the results in the database and, when the job was created
// from a pull request, posting a comment with them.
func (h *Handler) handleReconcileJob(ctx context.Context, job *ReconcileJob) error {
	changesApplied := map[services.ServiceName]services.ChangesApplied{}
	errs := map[services.ServiceName]error{}

	// Reconcile services state
	for _, serviceName := range sortedServiceNames(h.services) {
		logrus.WithFields(logrus.Fields{
			"org":     job.Org.Name,
			"service": serviceName,
		}).Debug("reconciling state")
		applied, err := h.services[serviceName].Reconcile(ctx, job.Org)
		if err != nil {
			errs[serviceName] = err
			continue
		}
		changesApplied[serviceName] = applied
	}

	// Register changes applied during reconciliation in database
	input := &db.ReconciliationInput{
		OrgName:     job.Org.Name,
		PRNumber:    job.PRNumber,
		PRCreatedBy: job.PRCreatedBy,
		PRMergedBy:  job.PRMergedBy,
		PRMergedAt:  job.PRMergedAt,
	}
	if err := h.db.RegisterReconciliation(ctx, input, changesApplied, errs); err != nil {
		logrus.WithError(err).Error("error registering reconciliation in database")
	}

	// Post reconciliation completed comment if the job was created from a PR
	if job.PRNumber != nil {
		commentBody, err := tmpl.ReconciliationCompleted(changesApplied, errs)
		if err != nil {
			return err
		}
		ghCtx := github.NewCtx(job.Org)
		if _, err := h.gh.PostComment(ctx, ghCtx, job.Org.Repository, *job.PRNumber, commentBody); err != nil {
			logrus.WithError(err).Error("error posting reconciliation comment")
		}
	}

	// Log errors and changes applied
	for _, serviceName := range sortedServiceNames(errs) {
		logrus.WithFields(logrus.Fields{
			"org":     job.Org.Name,
			"service": serviceName,
		}).WithError(errs[serviceName]).Error("reconciliation failed")
	}
	for _, serviceName := range sortedServiceNames(changesApplied) {
		for _, entry := range changesApplied[serviceName] {
			fields := logrus.Fields{
				"org":     job.Org.Name,
				"service": serviceName,
				"kind":    entry.Change.Details().Kind,
			}
			if entry.Error == "" {
				logrus.WithFields(fields).Debug("change applied")
			} else {
				logrus.WithFields(fields).WithField("error", entry.Error).Debug("something went wrong applying change")
			}
		}
	}

	return nil
}

// Scheduler enqueues a reconcile job for each of the organizations
// registered every hour, introducing a delay between them. Missed ticks
// are skipped. It stops when the stop channel is closed.
func Scheduler(jobsCh chan<- Job, stopCh <-chan struct{}, orgs []*config.Organization) {
	ticker := time.NewTicker(reconcileFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for i, org := range orgs {
				if i > 0 {
					select {
					case <-stopCh:
						return
					case <-time.After(scheduledJobsDelay):
					}
				}
				jobsCh <- &ReconcileJob{Org: org}
			}
		}
	}
}

func sortedServiceNames[V any](m map[services.ServiceName]V) []services.ServiceName {
	names := make([]services.ServiceName, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
