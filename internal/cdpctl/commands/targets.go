/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

func newTargetsCommand(opts *rootOptions, log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Lists debuggable targets",
		Long:  `Lists the targets (pages, workers, etc.) reported by the browser DevTools endpoint (/json/list).`,
		RunE:  listTargets(opts, log),
		Args:  cobra.NoArgs,
	}
}

func listTargets(opts *rootOptions, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("targets")

		targets, err := discover(cmd.Context(), opts, log, opts.discoverer(log).ListTargets)
		if err != nil {
			log.Error(err, "Could not list targets", "Host", opts.host)
			return err
		}

		return writeJSON(cmd.OutOrStdout(), targets)
	}
}
