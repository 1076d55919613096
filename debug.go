// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ZaparooProject/go-token/internal/syncutil"
)

var (
	debugMu      syncutil.Mutex
	debugEnabled = false
	debugConsole io.Writer = os.Stderr
)

func init() {
	if os.Getenv("TOKEN_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled = true
	}
}

// Debugf logs a formatted debug message.
// The session log, when open, receives every message with a timestamp;
// the console only when debug mode is enabled.
func Debugf(format string, args ...any) {
	logLine(fmt.Sprintf(format, args...))
}

// Debugln logs its operands like fmt.Sprint.
func Debugln(args ...any) {
	logLine(fmt.Sprint(args...))
}

// Warnf logs a message that is printed to the console even when debug mode
// is off. Used for conditions an operator should see, like a failed enable.
func Warnf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)

	debugMu.Lock()
	defer debugMu.Unlock()

	if sessionLogWriter != nil {
		_, _ = fmt.Fprintf(sessionLogWriter, "%s WARN: %s\n", time.Now().Format("15:04:05.000"), message)
	}
	_, _ = fmt.Fprintf(debugConsole, "WARN: %s\n", message)
}

func logLine(message string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if sessionLogWriter != nil {
		_, _ = fmt.Fprintf(sessionLogWriter, "%s DEBUG: %s\n", time.Now().Format("15:04:05.000"), message)
	}
	if debugEnabled {
		_, _ = fmt.Fprintf(debugConsole, "DEBUG: %s\n", message)
	}
}

// SetDebugEnabled turns console debug output on or off at runtime.
func SetDebugEnabled(enabled bool) {
	debugMu.Lock()
	debugEnabled = enabled
	debugMu.Unlock()
}

// DebugEnabled reports whether console debug output is on.
func DebugEnabled() bool {
	debugMu.Lock()
	defer debugMu.Unlock()
	return debugEnabled
}
