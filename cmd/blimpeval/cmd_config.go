// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/config"
)

func newConfigCmd(g *globalFlags, stdout io.Writer) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the YAML configuration",
	}

	var writePath string
	defaultCmd := &cobra.Command{
		Use:   "default",
		Short: "Print the default configuration, or write it with --write",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if writePath != "" {
				if err := config.WriteDefault(writePath); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Wrote %s\n", writePath)
				return nil
			}
			data, err := config.DefaultConfig().Marshal()
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		},
	}
	defaultCmd.Flags().StringVar(&writePath, "write", "", "Write the defaults to this path instead of stdout")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Validate --config and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		},
	}

	configCmd.AddCommand(defaultCmd, showCmd)
	return configCmd
}
