/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func EnvVarIntVal(varName string) (int, bool) {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return 0, false
	}

	value = strings.TrimSpace(value)
	val, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, false
	}

	return int(val), true
}

// Returns the value of a positive integer environment variable, or the default value
// if the variable is not set, is not an integer, or is not positive.
func EnvVarPositiveIntValWithDefault(varName string, defaultVal int) int {
	val, found := EnvVarIntVal(varName)
	if !found || val <= 0 {
		return defaultVal
	}
	return val
}

func EnvVarStringWithDefault(varName string, defaultVal string) string {
	val, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(val) == "" {
		return defaultVal
	}
	return val
}

// Returns the value of a duration environment variable (e.g. "2s", "500ms").
// A bare integer is interpreted as a number of seconds.
// Invalid or non-positive values yield the default.
func EnvVarDurationValWithDefault(varName string, defaultVal time.Duration) time.Duration {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return defaultVal
	}

	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return defaultVal
		}
		return time.Duration(secs * float64(time.Second))
	}

	val, err := time.ParseDuration(value)
	if err != nil || val <= 0 {
		return defaultVal
	}

	return val
}
