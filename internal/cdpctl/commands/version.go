/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

func newVersionCommand(opts *rootOptions, log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints browser version information",
		Long:  `Prints the version document served by the browser DevTools endpoint (/json/version).`,
		RunE:  getVersion(opts, log),
		Args:  cobra.NoArgs,
	}
}

func getVersion(opts *rootOptions, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("version")

		info, err := discover(cmd.Context(), opts, log, opts.discoverer(log).Version)
		if err != nil {
			log.Error(err, "Could not retrieve browser version", "Host", opts.host)
			return err
		}

		return writeJSON(cmd.OutOrStdout(), info)
	}
}
