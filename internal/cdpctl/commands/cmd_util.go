/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cdpkit/cdpkit/pkg/logger"
	"github.com/cdpkit/cdpkit/pkg/osutil"
)

// Set at build time via -ldflags.
var (
	Version    = "dev"
	CommitHash = ""
)

// ErrorExit reports err on stderr, flushes the log, and terminates the process with the given exit code.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	log.Error(err, "cdpctl failed", "ExitCode", exitCode)
	fmt.Fprint(os.Stderr, err.Error()+string(osutil.LineSep()))
	log.Flush()
	os.Exit(exitCode)
}

// writeJSON writes v to out as indented JSON followed by a newline.
func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize output: %w", err)
	}
	_, err = out.Write(append(data, osutil.LineSep()...))
	return err
}
