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

// SessionList returns the connections currently in login or discovery.
func (cli *Client) SessionList(ctx context.Context, options api.SessionListOptions) ([]api.ConnectionInfo, error) {
	query := url.Values{}
	if options.Target != "" {
		query.Set("target", options.Target)
	}
	var res []api.ConnectionInfo
	resp, err := cli.get(ctx, "/session/list", query)
	return res, decode(resp, err, &res)
}

// ParkedList returns the connections held by the proxy kernel backend.
func (cli *Client) ParkedList(ctx context.Context) ([]api.ParkedConnectionInfo, error) {
	var res []api.ParkedConnectionInfo
	resp, err := cli.get(ctx, "/session/parked", nil)
	return res, decode(resp, err, &res)
}

// ParkedRemove closes a parked connection.
func (cli *Client) ParkedRemove(ctx context.Context, id string) error {
	resp, err := cli.delete(ctx, "/session/parked/"+id, nil)
	ensureReaderClosed(resp)
	return err
}
