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
	"strconv"

	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
)

// Discover previews the discovery response an initiator would get from
// the portal group with the given tag.
func (cli *Client) Discover(ctx context.Context, options api.DiscoveryOptions) ([]api.DiscoveryRecord, error) {
	query := url.Values{}
	if options.Protocol != "" {
		query.Set("protocol", string(options.Protocol))
	}
	if options.Initiator != "" {
		query.Set("initiator", options.Initiator)
	}
	if options.Address != "" {
		query.Set("address", options.Address)
	}
	if options.Target != "" {
		query.Set("target", options.Target)
	}
	var res []api.DiscoveryRecord
	resp, err := cli.get(ctx, "/discovery/"+strconv.Itoa(int(options.Tag)), query)
	return res, decode(resp, err, &res)
}

func (cli *Client) ServerVersion(ctx context.Context) (api.VersionInfo, error) {
	var res api.VersionInfo
	resp, err := cli.get(ctx, "/version", nil)
	return res, decode(resp, err, &res)
}
