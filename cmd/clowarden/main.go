package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/db"
	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/jobs"
	"github.com/clowarden-project/clowarden/internal/multierror"
	"github.com/clowarden-project/clowarden/internal/server"
	"github.com/clowarden-project/clowarden/internal/services"
	"github.com/clowarden-project/clowarden/internal/services/githubsvc"
)

var orgParameter string
var repoParameter string
var branchParameter string
var permissionsFileParameter string
var peopleFileParameter string
var outputFileParameter string
var configFileParameter string

// cliOrg builds an organization configuration from the command line
// parameters.
func cliOrg() *config.Organization {
	return &config.Organization{
		Name:       orgParameter,
		Repository: repoParameter,
		Branch:     branchParameter,
		Legacy: config.Legacy{
			SheriffPermissionsPath: permissionsFileParameter,
			CNCFPeoplePath:         peopleFileParameter,
		},
	}
}

// cliSource locates the configuration the command line parameters point
// at. No installation id is set: API calls use the GITHUB_TOKEN client.
func cliSource(org *config.Organization) github.Source {
	return github.Source{
		Owner: org.Name,
		Repo:  org.Repository,
		Ref:   org.Branch,
	}
}

func cliCtx(org *config.Organization) github.Ctx {
	return github.Ctx{Org: org.Name}
}

// cliClients prepares the GitHub clients used by the CLI commands,
// authenticated with the token in GITHUB_TOKEN.
func cliClients(ctx context.Context) (github.GH, githubsvc.Svc) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		logrus.Fatalf("GITHUB_TOKEN environment variable must be set")
	}
	tokenClient := github.NewTokenClient(ctx, token)
	return github.NewClient(nil, tokenClient), githubsvc.NewSvcAPI(nil, tokenClient)
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&orgParameter, "org", "", "GitHub organization name")
	cmd.Flags().StringVar(&repoParameter, "repo", "", "configuration repository name")
	cmd.Flags().StringVar(&branchParameter, "branch", "main", "configuration repository branch")
	cmd.Flags().StringVar(&permissionsFileParameter, "permissions-file", "config.yaml", "permissions file path")
	cmd.Flags().StringVar(&peopleFileParameter, "people-file", "", "people file path")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("repo")
}

func main() {
	validateCmd := &cobra.Command{
		Use:   "validate --org <org> --repo <repo> [--branch branch]",
		Short: "Validate the configuration in the repository provided",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			gh, svc := cliClients(ctx)
			org := cliOrg()

			_, err := githubsvc.NewFromConfig(ctx, gh, svc, &org.Legacy, cliCtx(org), cliSource(org))
			if err != nil {
				fmt.Println("The configuration provided is not valid:")
				fmt.Println()
				fmt.Print(multierror.PrettyFormat(err))
				os.Exit(1)
			}
			fmt.Println("Configuration is valid!")
		},
	}
	addCommonFlags(validateCmd)

	diffCmd := &cobra.Command{
		Use:   "diff --org <org> --repo <repo> [--branch branch]",
		Short: "Display the changes between the actual state and the configuration",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			gh, svc := cliClients(ctx)
			org := cliOrg()
			ghCtx := cliCtx(org)

			actual, err := githubsvc.NewFromService(ctx, svc, ghCtx)
			if err != nil {
				logrus.Fatalf("error getting actual state: %s", err)
			}
			desired, err := githubsvc.NewFromConfig(ctx, gh, svc, &org.Legacy, ghCtx, cliSource(org))
			if err != nil {
				fmt.Println("The configuration provided is not valid:")
				fmt.Println()
				fmt.Print(multierror.PrettyFormat(err))
				os.Exit(1)
			}

			changes := actual.Diff(desired)
			if len(changes.Directory) == 0 && len(changes.Repositories) == 0 {
				fmt.Println("No changes detected.")
				return
			}
			printChanges := func(title string, changes []services.Change) {
				if len(changes) == 0 {
					return
				}
				fmt.Printf("## %s\n\n", title)
				for _, change := range changes {
					text, err := change.TemplateFormat()
					if err != nil {
						logrus.Fatalf("error formatting change: %s", err)
					}
					fmt.Println(text)
				}
				fmt.Println()
			}
			printChanges("Directory changes", changes.Directory)
			printChanges("Repositories changes", changes.Repositories)
		},
	}
	addCommonFlags(diffCmd)

	generateCmd := &cobra.Command{
		Use:   "generate --org <org> [--output-file file]",
		Short: "Generate a permissions file from the organization's actual state",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			_, svc := cliClients(ctx)
			org := &config.Organization{Name: orgParameter}

			state, err := githubsvc.NewFromService(ctx, svc, cliCtx(org))
			if err != nil {
				logrus.Fatalf("error getting actual state: %s", err)
			}
			output := struct {
				Teams        []directory.Team        `yaml:"teams"`
				Repositories []*githubsvc.Repository `yaml:"repositories"`
			}{
				Teams:        state.Directory.Teams,
				Repositories: state.Repositories,
			}
			data, err := yaml.Marshal(output)
			if err != nil {
				logrus.Fatalf("error marshaling state: %s", err)
			}
			if outputFileParameter == "" {
				fmt.Print(string(data))
				return
			}
			if err := os.WriteFile(outputFileParameter, data, 0o600); err != nil {
				logrus.Fatalf("error writing output file: %s", err)
			}
		},
	}
	generateCmd.Flags().StringVar(&orgParameter, "org", "", "GitHub organization name")
	generateCmd.Flags().StringVar(&outputFileParameter, "output-file", "", "file to write the generated configuration to (stdout when not set)")
	_ = generateCmd.MarkFlagRequired("org")

	serveCmd := &cobra.Command{
		Use:   "serve --config <file>",
		Short: "Run the CLOWarden server",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(configFileParameter); err != nil {
				logrus.Fatalf("%s", err)
			}
		},
	}
	serveCmd.Flags().StringVar(&configFileParameter, "config", "clowarden.yaml", "configuration file path")

	rootCmd := &cobra.Command{
		Use:   "clowarden",
		Short: "CLOWarden manages the access to resources across GitHub organizations",
	}
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// serve runs the server: jobs workers, the periodic reconciliation
// scheduler and the HTTP server, until a termination signal is received.
func serve(configFile string) error {
	cfg, err := config.New(configFile)
	if err != nil {
		return err
	}
	cfg.SetupLogrus()

	// Setup GitHub clients and services
	privateKey, err := cfg.GitHubApp.PrivateKeyPEM()
	if err != nil {
		return err
	}
	provider := github.NewClientProvider("", cfg.GitHubApp.AppID, privateKey)
	gh := github.NewClient(provider, nil)
	svcs := map[services.ServiceName]services.ServiceHandler{}
	if *cfg.Services.GitHub.Enabled {
		svcs[githubsvc.ServiceName] = githubsvc.NewHandler(gh, githubsvc.NewSvcAPI(provider, nil))
	}

	// Setup jobs workers and scheduler
	database := db.NewLocalDB()
	jobsCh := make(chan jobs.Job, 100)
	stopCh := make(chan struct{})
	handler := jobs.NewHandler(database, gh, svcs)
	wg := handler.Start(jobsCh, stopCh, cfg.Organizations)
	go jobs.Scheduler(jobsCh, stopCh, cfg.Organizations)

	// Setup and launch HTTP server
	router := server.New(cfg, database, gh, jobsCh).Router()
	go func() {
		logrus.WithField("addr", cfg.Server.Addr).Info("server started")
		if err := router.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	// Shutdown gracefully on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("error shutting down server")
	}
	close(stopCh)
	wg.Wait()

	return nil
}
