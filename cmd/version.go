/*
Copyright 2023 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/version"
)

func newVersionCommand(opts *globalOptions) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of ctld and of the running daemon",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(os.Stdout, "Client:\n Version:\t%s\n API version:\t%s\n", version.VERSION, version.Version)
			cli, err := opts.client()
			if err != nil {
				return err
			}
			v, err := cli.ServerVersion(context.Background())
			if err != nil {
				return err
			}
			printServerVersion(os.Stdout, v)
			return nil
		},
	}
	return cmd
}

func printServerVersion(w io.Writer, v api.VersionInfo) {
	fmt.Fprintf(w, "Server:\n Version:\t%s\n API version:\t%s\n Go version:\t%s\n OS/Arch:\t%s/%s\n",
		v.Version, v.APIVersion, v.GoVersion, v.Os, v.Arch)
}
