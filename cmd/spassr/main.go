// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the spassr command, serving an SPA's static assets and
// streaming server-rendered documents for everything else.
//
// Usage:
//
//	spassr ./dist                  # serve ./dist on 127.0.0.1:8000
//	spassr -c spassr.yaml ./dist   # with a configuration file
//	spassr version                 # show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd returns the root command serving the SPA, with the version
// subcommand attached.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spassr [flags] ROOT",
		Short: "Serve an SPA with streamed server-side rendering",
		Long: `spassr serves the static assets of a single-page application from
the ROOT directory. Any request not naming a regular file below ROOT gets
a server-rendered document, streamed to the client while it is rendered.

ROOT must contain the SPA's index.html shell with exactly one injection
marker (by default "<body>"), where the rendered markup gets spliced in.`,
		Args:          cobra.MaximumNArgs(1),
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	registerServeFlags(rootCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// newVersionCmd returns the command printing version information.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "spassr %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
