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
package router

import (
	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/apiserver/httputils"
	"github.com/gostor/ctld/pkg/kernel"
)

// Router defines an interface to specify a group of routes to add to the api server.
type Router interface {
	Routes() []Route
}

// Route defines an individual API route in the api server.
type Route interface {
	// Handler returns the raw function to create the http handler.
	Handler() httputils.APIFunc
	// Method returns the http method that the route responds to.
	Method() string
	// Path returns the subpath where the route responds to.
	Path() string
}

// Backend is the daemon state the routers expose.
type Backend interface {
	// Snapshot returns the configuration new connections are served with.
	Snapshot() *api.Snapshot
	// Connections lists the connections of every protocol driver.
	Connections() []api.ConnectionInfo
	// Parked lists the connections held by the proxy kernel backend. It
	// returns nil for other backends.
	Parked() []kernel.ParkedConnection
	DropParked(id string) bool
}

// localRoute defines an individual API route to connect with the daemon.
// It implements router.Route.
type localRoute struct {
	method  string
	path    string
	handler httputils.APIFunc
}

// Handler returns the APIFunc to let the server wrap it in middlewares
func (l localRoute) Handler() httputils.APIFunc {
	return l.handler
}

// Method returns the http method that the route responds to.
func (l localRoute) Method() string {
	return l.method
}

// Path returns the subpath where the route responds to.
func (l localRoute) Path() string {
	return l.path
}

// NewRoute initializes a new local route for the router
func NewRoute(method, path string, handler httputils.APIFunc) Route {
	return localRoute{method, path, handler}
}

// NewGetRoute initializes a new route with the http method GET.
func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("GET", path, handler)
}

// NewDeleteRoute initializes a new route with the http method DELETE.
func NewDeleteRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("DELETE", path, handler)
}
