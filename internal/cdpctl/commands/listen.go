/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/cdpkit/cdpkit/pkg/cdp"
)

type listenOptions struct {
	count  int
	enable bool
}

type eventRecord struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func newListenCommand(opts *rootOptions, log logr.Logger) *cobra.Command {
	listenOpts := &listenOptions{}

	listenCmd := &cobra.Command{
		Use:   "listen <Domain.event>...",
		Short: "Prints events as they arrive",
		Long: `Subscribes to the given events on the selected target and prints each one as a JSON line.

Runs until --count events were printed, or until interrupted.`,
		RunE: listen(opts, listenOpts, log),
		Args: cobra.MinimumNArgs(1),
	}

	listenCmd.Flags().IntVar(&listenOpts.count, "count", 0, "Stop after this many events. Zero means no limit.")
	listenCmd.Flags().BoolVar(&listenOpts.enable, "enable", true, "Send '<Domain>.enable' for the domain of every event before listening.")

	return listenCmd
}

func listen(opts *rootOptions, listenOpts *listenOptions, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("listen")
		ctx := cmd.Context()

		if listenOpts.count < 0 {
			return fmt.Errorf("--count must not be negative")
		}
		for _, event := range args {
			if !strings.Contains(event, ".") {
				return fmt.Errorf("event name must have the form <Domain.event>: %s", event)
			}
		}

		manager, session, err := openSession(ctx, opts, log)
		if err != nil {
			log.Error(err, "Could not open session")
			return err
		}
		defer func() { _ = manager.Close() }()

		events := make(chan eventRecord, 64)
		stopped := make(chan struct{})
		defer close(stopped)

		for _, event := range args {
			method := event
			_, subErr := session.Subscribe(method, func(params json.RawMessage) error {
				select {
				case events <- eventRecord{Method: method, Params: params}:
				case <-stopped:
				case <-ctx.Done():
				}
				return nil
			}, cdp.Persistent)
			if subErr != nil {
				return subErr
			}
		}

		if listenOpts.enable {
			for _, domain := range eventDomains(args) {
				if _, enableErr := session.Execute(ctx, cdp.NewCommand(domain+".enable", nil)); enableErr != nil {
					log.Error(enableErr, "Could not enable domain", "Domain", domain)
					return enableErr
				}
			}
		}

		out := cmd.OutOrStdout()
		printed := 0
		for listenOpts.count == 0 || printed < listenOpts.count {
			select {
			case <-ctx.Done():
				return nil
			case rec := <-events:
				line, marshalErr := json.Marshal(rec)
				if marshalErr != nil {
					return marshalErr
				}
				fmt.Fprintln(out, string(line))
				printed++
			}
		}

		return nil
	}
}

// eventDomains returns the distinct domains of the given event names, in order of first appearance.
func eventDomains(events []string) []string {
	domains := []string{}
	for _, event := range events {
		domain, _, _ := strings.Cut(event, ".")
		if !slices.Contains(domains, domain) {
			domains = append(domains, domain)
		}
	}
	return domains
}
