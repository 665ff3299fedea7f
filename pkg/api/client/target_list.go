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
package client

import (
	"net/url"

	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
)

// TargetList returns the configured targets and NVMe subsystems.
func (cli *Client) TargetList(ctx context.Context, options api.TargetListOptions) ([]api.TargetInfo, error) {
	query := url.Values{}
	if options.Name != "" {
		query.Set("name", options.Name)
	}
	if options.Verbose {
		query.Set("verbose", "1")
	}
	var res []api.TargetInfo
	resp, err := cli.get(ctx, "/target/list", query)
	return res, decode(resp, err, &res)
}

// TargetInspect returns one target with its portal groups.
func (cli *Client) TargetInspect(ctx context.Context, name string) (api.TargetInfo, error) {
	var res api.TargetInfo
	resp, err := cli.get(ctx, "/target/"+name, nil)
	return res, decode(resp, err, &res)
}

func (cli *Client) PortalGroupList(ctx context.Context) ([]api.PortalGroupInfo, error) {
	var res []api.PortalGroupInfo
	resp, err := cli.get(ctx, "/portal-group/list", nil)
	return res, decode(resp, err, &res)
}
