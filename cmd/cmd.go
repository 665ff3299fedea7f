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
// Package cmd holds the ctld command line: the daemon and the client
// commands talking to its API.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gostor/ctld/pkg/api/client"
	"github.com/gostor/ctld/pkg/config"
	"github.com/gostor/ctld/pkg/version"
)

type globalOptions struct {
	host string
}

// client connects to the daemon named by --host.
func (o *globalOptions) client() (*client.Client, error) {
	return client.NewClient(o.host, version.Version, nil, nil)
}

func NewCommand() *cobra.Command {
	opts := &globalOptions{}
	var cmd = &cobra.Command{
		Use:          "ctld",
		Short:        "ctld accepts iSCSI and NVMe/TCP logins and hands them to the kernel",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(cmd.UsageString())
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.host, "host", "H", defaultHost(), "Address of the daemon API")
	cmd.AddCommand(
		newDaemonCommand(),
		newListCommand(opts),
		newDiscoverCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

func defaultHost() string {
	if h := os.Getenv("CTLD_HOST"); h != "" {
		return h
	}
	return config.DefaultAPIHost
}

// NoArgs validate args and returns an error if there are any args
func NoArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}

	if cmd.HasSubCommands() {
		return errors.New("\n" + strings.TrimRight(cmd.UsageString(), "\n"))
	}

	return fmt.Errorf(
		"\"%s\" accepts no argument(s).\n",
		cmd.CommandPath(),
	)
}
