/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

func newPingCommand(opts *rootOptions, log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Checks whether the selected target responds",
		Long:  `Connects to the selected target and checks that it answers a WebSocket ping.`,
		RunE:  ping(opts, log),
		Args:  cobra.NoArgs,
	}
}

func ping(opts *rootOptions, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("ping")

		manager, session, err := openSession(cmd.Context(), opts, log)
		if err != nil {
			return err
		}
		defer func() { _ = manager.Close() }()

		if !session.Ping(cmd.Context()) {
			return fmt.Errorf("target %s did not respond to ping", opts.target)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s is alive\n", session.String())
		return nil
	}
}
