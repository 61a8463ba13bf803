/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cdpkit/cdpkit/pkg/cdp"
	"github.com/cdpkit/cdpkit/pkg/logger"
	"github.com/cdpkit/cdpkit/pkg/resiliency"
)

// rootOptions holds the values of flags shared by all commands.
type rootOptions struct {
	host       string
	target     string
	timeout    time.Duration
	timeoutSet bool
	wait       bool
	envFiles   []string
}

func NewRootCommand(log *logger.Logger) (*cobra.Command, error) {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		SilenceErrors: true,
		Use:           "cdpctl",
		Short:         "Talks to a browser over the Chrome DevTools Protocol",
		Long: `Talks to a browser over the Chrome DevTools Protocol.

	The browser must be started with remote debugging enabled, e.g. --remote-debugging-port=9222.`,
		SilenceUsage:      true,
		PersistentPreRunE: preRun(opts, log.Logger),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	log.AddLevelFlag(rootCmd.PersistentFlags())

	defaultConfig := cdp.DefaultSessionConfig()
	defaultConfig.ApplyEnvOverrides()

	rootCmd.PersistentFlags().StringVar(&opts.host, "host", cdp.DefaultHost, "Host and port of the browser DevTools endpoint.")
	rootCmd.PersistentFlags().StringVar(&opts.target, "target", cdp.BrowserTarget, "Identifier of the target to talk to. Use 'browser' for the browser itself, or a page id reported by 'cdpctl targets'.")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultConfig.CommandTimeout, "How long to wait for a command reply.")
	rootCmd.PersistentFlags().BoolVar(&opts.wait, "wait", false, "Wait for the DevTools endpoint and the target to become available instead of failing immediately.")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Files with CDPKIT_* settings in .env format. Variables already set in the environment take precedence.")

	rootCmd.AddCommand(newVersionCommand(opts, log.Logger))
	rootCmd.AddCommand(newTargetsCommand(opts, log.Logger))
	rootCmd.AddCommand(newExecCommand(opts, log.Logger))
	rootCmd.AddCommand(newListenCommand(opts, log.Logger))
	rootCmd.AddCommand(newPingCommand(opts, log.Logger))

	return rootCmd, nil
}

func preRun(opts *rootOptions, log logr.Logger) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logStart(log)

		if len(opts.envFiles) > 0 {
			if err := godotenv.Load(opts.envFiles...); err != nil {
				return fmt.Errorf("could not read environment files %v: %w", opts.envFiles, err)
			}
			log.V(1).Info("Loaded environment files", "Files", opts.envFiles)
		}

		opts.timeoutSet = cmd.Flags().Changed("timeout")
		return nil
	}
}

func logStart(log logr.Logger) {
	launchPath, pathErr := os.Executable()
	if pathErr != nil {
		launchPath = os.Args[0]
	}

	log.V(1).Info("Starting cdpctl...",
		"PID", os.Getpid(),
		"Exe", launchPath,
		"Args", os.Args[1:],
		"Version", Version,
		"CommitHash", CommitHash,
	)
}

func (o *rootOptions) sessionConfig() cdp.SessionConfig {
	config := cdp.DefaultSessionConfig()
	config.ApplyEnvOverrides()
	if o.timeoutSet && o.timeout > 0 {
		config.CommandTimeout = o.timeout
	}
	return config
}

func (o *rootOptions) discoverer(log logr.Logger) *cdp.HTTPDiscoverer {
	return cdp.NewHTTPDiscoverer(o.host, nil, log.WithName("discovery"))
}

func (o *rootOptions) newManager(log logr.Logger) *cdp.Manager {
	return cdp.NewManager(cdp.ManagerConfig{
		Host:       o.host,
		Discoverer: o.discoverer(log),
		Session:    o.sessionConfig(),
		Logger:     log,
	})
}

// discover calls query once, or, if --wait was specified, until the endpoint answers.
func discover[T any](ctx context.Context, opts *rootOptions, log logr.Logger, query func(context.Context) (T, error)) (T, error) {
	if !opts.wait {
		return query(ctx)
	}

	attempt := 0
	return resiliency.RetryGet(ctx, resiliency.DefaultDiscoveryBackoff(), func() (T, error) {
		attempt++
		retval, err := query(ctx)
		if err != nil {
			log.V(1).Info("DevTools endpoint is not available yet", "Host", opts.host, "Attempt", attempt, "Error", err.Error())
		}
		return retval, err
	})
}

// openSession returns the session for the target selected with --target, waiting for the browser if requested.
func openSession(ctx context.Context, opts *rootOptions, log logr.Logger) (*cdp.Manager, *cdp.Session, error) {
	if _, err := discover(ctx, opts, log, opts.discoverer(log).BrowserWebSocketURL); err != nil {
		return nil, nil, fmt.Errorf("DevTools endpoint at %s is not available: %w", opts.host, err)
	}

	manager := opts.newManager(log)
	session := manager.GetSession(opts.target)
	if err := connect(ctx, opts, log, session); err != nil {
		_ = manager.Close()
		return nil, nil, fmt.Errorf("could not connect to target %s: %w", opts.target, err)
	}

	return manager, session, nil
}

// connect connects the session once, or, if --wait was specified, until the target accepts the connection.
func connect(ctx context.Context, opts *rootOptions, log logr.Logger, session *cdp.Session) error {
	if !opts.wait {
		return session.Connect(ctx)
	}

	attempt := 0
	return resiliency.Retry(ctx, resiliency.DefaultDiscoveryBackoff(), func() error {
		attempt++
		err := session.Connect(ctx)
		switch {
		case err == nil:
			return nil
		case !cdp.IsConnectionError(err):
			return resiliency.Permanent(err)
		default:
			log.V(1).Info("Target is not available yet", "Target", opts.target, "Attempt", attempt, "Error", err.Error())
			return err
		}
	})
}
