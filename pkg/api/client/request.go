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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/context"
)

// serverResponse is a wrapper for http API responses.
type serverResponse struct {
	body       io.ReadCloser
	statusCode int
}

// get sends an http request to the daemon using the method GET.
func (cli *Client) get(ctx context.Context, path string, query url.Values) (serverResponse, error) {
	return cli.sendRequest(ctx, "GET", path, query)
}

// delete sends an http request to the daemon using the method DELETE.
func (cli *Client) delete(ctx context.Context, path string, query url.Values) (serverResponse, error) {
	return cli.sendRequest(ctx, "DELETE", path, query)
}

func (cli *Client) sendRequest(ctx context.Context, method, path string, query url.Values) (serverResponse, error) {
	resp := serverResponse{statusCode: -1}

	req, err := http.NewRequest(method, cli.getAPIPath(path, query), nil)
	if err != nil {
		return resp, err
	}
	for k, v := range cli.customHTTPHeaders {
		req.Header.Set(k, v)
	}
	req.URL.Scheme = "http"
	req.URL.Host = cli.addr
	if cli.proto == "unix" || cli.proto == "npipe" {
		// The host is ignored by the socket dialer but must be valid.
		req.URL.Host = "ctld"
	}

	res, err := cli.client.Do(req.WithContext(ctx))
	if err != nil {
		if cli.proto == "unix" && strings.Contains(err.Error(), "connect: no such file or directory") {
			return resp, fmt.Errorf("cannot connect to ctld at %s: is the daemon running?", cli.addr)
		}
		return resp, fmt.Errorf("an error occurred trying to connect: %v", err)
	}
	resp.statusCode = res.StatusCode
	resp.body = res.Body

	if resp.statusCode < 200 || resp.statusCode >= 400 {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return resp, err
		}
		if len(body) == 0 {
			return resp, fmt.Errorf("error: request returned %s for API route and version %s", http.StatusText(resp.statusCode), req.URL)
		}
		return resp, &Error{StatusCode: resp.statusCode, Msg: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// decode reads the JSON body of resp into v and closes it.
func decode(resp serverResponse, err error, v interface{}) error {
	if err != nil {
		return err
	}
	defer ensureReaderClosed(resp)
	return json.NewDecoder(resp.body).Decode(v)
}

func ensureReaderClosed(response serverResponse) {
	if body := response.body; body != nil {
		// Drain up to 512 bytes and close the body to let the Transport reuse the connection
		io.CopyN(io.Discard, body, 512)
		body.Close()
	}
}

// Error is a non-success response of the daemon.
type Error struct {
	StatusCode int
	Msg        string
}

func (e *Error) Error() string {
	return fmt.Sprintf("Error response from daemon: %s", e.Msg)
}

// IsErrNotFound reports whether err is a 404 response.
func IsErrNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.StatusCode == http.StatusNotFound
}
