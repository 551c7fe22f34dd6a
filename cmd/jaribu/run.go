package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/jaribu/internal/config"
	"github.com/jkaninda/jaribu/internal/environment"
	"github.com/jkaninda/jaribu/internal/testrunner"
)

// Exit codes for the run command.
const (
	ExitSuccess        = 0
	ExitTestFailures   = 1
	ExitExecutionError = 2
	ExitProvisionError = 3
)

var (
	runConfigPath string
	runRepo       string
	runBranch     string
	runPath       string
	runKeep       bool
	runDebug      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision an environment and run its tests once",
	Long: `Provision an isolated environment from a GitHub repository or a local
path, auto-detect the test framework, run the suite, and print the
normalized result as JSON on stdout.

Examples:
  jaribu run --path .
  jaribu run --repo github.com/owner/project
  jaribu run --repo git@github.com:owner/project.git --branch develop

Exit codes:
  0  all tests passed
  1  tests ran with failures
  2  no runner detected or test execution error
  3  provisioning failed`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "GitHub repository URL")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "branch to clone (with --repo)")
	runCmd.Flags().StringVar(&runPath, "path", "", "local project path")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "keep the environment after the run")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "enable debug logging")

	runCmd.MarkFlagsMutuallyExclusive("repo", "path")
	runCmd.MarkFlagsOneRequired("repo", "path")
}

func runOnce(_ *cobra.Command, _ []string) error {
	code, err := runOnceCode()
	if err != nil {
		return err
	}
	if code != ExitSuccess {
		os.Exit(code)
	}
	return nil
}

// runOnceCode holds the deferred teardown; os.Exit happens in the caller
// so sandbox and storage cleanup always run first.
func runOnceCode() (int, error) {
	logger := newLogger(runDebug)

	cfg, err := config.LoadOrDefault(goutils.Env("JARIBU_CONFIG", runConfigPath))
	if err != nil {
		return ExitProvisionError, err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return ExitProvisionError, err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var env *environment.Environment
	if runRepo != "" {
		env, err = sc.Service.CreateFromRepo(ctx, runRepo, runBranch)
	} else {
		env, err = sc.Service.CreateFromPath(ctx, runPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: provisioning failed: %v\n", err)
		return ExitProvisionError, nil
	}
	if !runKeep {
		defer func() {
			if err := sc.Service.Cleanup(env.ID); err != nil {
				logger.Error("cleanup failed", "env_id", env.ID, "error", err.Error())
			}
		}()
	}

	res, err := sc.Service.RunTests(ctx, env.ID)
	if err != nil {
		if errors.Is(err, testrunner.ErrNoRunnerDetected) {
			fmt.Fprintln(os.Stderr, "Error: no test runner detected")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return ExitExecutionError, nil
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return ExitExecutionError, err
	}
	fmt.Println(string(out))

	if runKeep {
		fmt.Fprintf(os.Stderr, "environment kept: %s (%s)\n", env.ID, env.Sandbox.WorkDir)
	}

	switch {
	case res.Error != "":
		return ExitExecutionError, nil
	case !res.Success:
		return ExitTestFailures, nil
	}
	return ExitSuccess, nil
}
