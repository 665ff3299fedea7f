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
package portalgroup

import (
	"net/http"

	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/apiserver/httputils"
	"github.com/gostor/ctld/pkg/apiserver/router"
)

type portalGroupRouter struct {
	backend router.Backend
	routes  []router.Route
}

// NewRouter initializes a new router for portal groups and NVMe transport
// groups.
func NewRouter(b router.Backend) router.Router {
	r := &portalGroupRouter{backend: b}
	r.routes = []router.Route{
		router.NewGetRoute("/portal-group/list", r.getPortalGroupList),
	}
	return r
}

func (r *portalGroupRouter) Routes() []router.Route {
	return r.routes
}

func (r *portalGroupRouter) getPortalGroupList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	snap := r.backend.Snapshot()
	res := make([]api.PortalGroupInfo, 0, len(snap.PortalGroups))
	for _, pg := range snap.PortalGroups {
		res = append(res, Info(pg))
	}
	return httputils.WriteJSON(w, http.StatusOK, res)
}

func Info(pg *api.PortalGroup) api.PortalGroupInfo {
	info := api.PortalGroupInfo{
		Name:            pg.Name,
		Tag:             pg.Tag,
		Protocol:        pg.Protocol,
		Portals:         []string{},
		DiscoveryFilter: pg.DiscoveryFilter.String(),
		Redirect:        pg.Redirect,
		Targets:         []string{},
	}
	if pg.DiscoveryAuthGroup != nil {
		info.DiscoveryAuthGroup = pg.DiscoveryAuthGroup.Name
	}
	for _, p := range pg.Portals {
		info.Portals = append(info.Portals, p.Address())
	}
	for _, port := range pg.Ports {
		info.Targets = append(info.Targets, port.Target.Name)
	}
	return info
}
