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
package target

import (
	"net/http"
	"strings"

	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/apiserver/httputils"
	"github.com/gostor/ctld/pkg/apiserver/router"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/config"
)

// targetRouter serves the configured targets and subsystems.
type targetRouter struct {
	backend router.Backend
	routes  []router.Route
}

// NewRouter initializes a new target router
func NewRouter(b router.Backend) router.Router {
	r := &targetRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes to the target controller
func (r *targetRouter) Routes() []router.Route {
	return r.routes
}

// initRoutes initializes the routes in target router
func (r *targetRouter) initRoutes() {
	r.routes = []router.Route{
		// GET
		router.NewGetRoute("/target/list", r.getTargetList),
		router.NewGetRoute("/target/{name:.*}", r.getTarget),
	}
}

func (r *targetRouter) getTargetList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	snap := r.backend.Snapshot()
	conns := r.backend.Connections()
	verbose := httputils.BoolValue(req, "verbose")

	targets := snap.Targets
	if name := req.Form.Get("name"); name != "" {
		t, err := config.LookupTarget(snap, name)
		if err != nil {
			return err
		}
		targets = []*api.Target{t}
	}
	res := make([]api.TargetInfo, 0, len(targets))
	for _, t := range targets {
		res = append(res, Info(t, conns, verbose))
	}
	return httputils.WriteJSON(w, http.StatusOK, res)
}

func (r *targetRouter) getTarget(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	t, err := config.LookupTarget(r.backend.Snapshot(), vars["name"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, Info(t, r.backend.Connections(), true))
}

// Info summarizes t. conns is used to count the target's live connections;
// portal groups are listed only when verbose is set.
func Info(t *api.Target, conns []api.ConnectionInfo, verbose bool) api.TargetInfo {
	info := api.TargetInfo{
		Name:     t.Name,
		Alias:    t.Alias,
		AuthType: auth.Decide(t.AuthGroup).String(),
		Redirect: t.Redirect,
	}
	if t.AuthGroup != nil {
		info.AuthGroup = t.AuthGroup.Name
	}
	for _, c := range conns {
		if strings.EqualFold(c.Target, t.Name) {
			info.Connections++
		}
	}
	if verbose {
		info.PortalGroups = []string{}
		for _, port := range t.Ports {
			info.PortalGroups = append(info.PortalGroups, port.PortalGroup.Name)
		}
	}
	return info
}
