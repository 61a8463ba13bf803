/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/cdpkit/cdpkit/pkg/cdp"
)

func newExecCommand(opts *rootOptions, log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <Domain.method> [params-json]",
		Short: "Executes a command and prints its result",
		Long: `Executes a command on the selected target and prints its result.

Example:
	cdpctl exec --target <page id> Page.navigate '{"url":"https://example.com"}'`,
		RunE: execCommand(opts, log),
		Args: cobra.RangeArgs(1, 2),
	}
}

func execCommand(opts *rootOptions, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("exec")
		method := args[0]

		var params any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("parameters of %s are not valid JSON: %s", method, args[1])
			}
			params = json.RawMessage(args[1])
		}

		manager, session, err := openSession(cmd.Context(), opts, log)
		if err != nil {
			log.Error(err, "Could not open session")
			return err
		}
		defer func() { _ = manager.Close() }()

		result, err := session.Execute(cmd.Context(), cdp.NewCommand(method, params))
		if err != nil {
			log.Error(err, "Command failed", "Method", method, "Target", opts.target)
			return err
		}

		if len(result) == 0 {
			result = json.RawMessage("{}")
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}
}
