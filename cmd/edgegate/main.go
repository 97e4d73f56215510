// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "edgegate",
	Short: "Edge telemetry gateway",
	Long: `Edgegate buffers telemetry durably at the edge, drains it to the
central backend in compressed batches, and executes backend commands and
policy distributions delivered over the control channel.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the edgegate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
