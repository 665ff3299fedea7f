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
package discovery

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/apiserver/httputils"
	"github.com/gostor/ctld/pkg/apiserver/router"
	"github.com/gostor/ctld/pkg/port/iscsit"
	"github.com/gostor/ctld/pkg/port/nvmet"
)

// discoveryRouter previews what a discovery session of a given initiator
// would be told.
type discoveryRouter struct {
	backend router.Backend
	routes  []router.Route
}

// NewRouter initializes a new discovery router
func NewRouter(b router.Backend) router.Router {
	r := &discoveryRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes to the discovery controller
func (r *discoveryRouter) Routes() []router.Route {
	return r.routes
}

// initRoutes initializes the routes in discovery router
func (r *discoveryRouter) initRoutes() {
	r.routes = []router.Route{
		// GET
		router.NewGetRoute("/discovery/{tag:[0-9]+}", r.getDiscovery),
	}
}

func (r *discoveryRouter) getDiscovery(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	tag, err := httputils.Uint16Var(vars, "tag")
	if err != nil {
		return err
	}
	proto, err := parseProtocol(req.Form.Get("protocol"))
	if err != nil {
		return err
	}
	var addr net.IP
	if s := req.Form.Get("address"); s != "" {
		if addr = net.ParseIP(s); addr == nil {
			return fmt.Errorf("bad parameter: invalid address %q", s)
		}
	}
	pg := r.backend.Snapshot().PortalGroupByTag(proto, tag)
	if pg == nil {
		return fmt.Errorf("no such %s portal group with tag %d", proto, tag)
	}
	initiator := req.Form.Get("initiator")

	var records []api.DiscoveryRecord
	switch proto {
	case api.ProtocolISCSI:
		d := &iscsit.Discoverer{PortalGroup: pg, InitiatorName: initiator, InitiatorAddr: addr}
		value := "All"
		if t := req.Form.Get("target"); t != "" {
			value = t
		}
		records = d.Records(value)
	case api.ProtocolNVMeTCP:
		d := &nvmet.Discoverer{PortalGroup: pg, HostNQN: initiator, HostAddr: addr}
		records = d.Records()
	}
	if records == nil {
		records = []api.DiscoveryRecord{}
	}
	return httputils.WriteJSON(w, http.StatusOK, records)
}

func parseProtocol(s string) (api.Protocol, error) {
	switch strings.ToLower(s) {
	case "", "iscsi":
		return api.ProtocolISCSI, nil
	case "nvme", "nvme-tcp":
		return api.ProtocolNVMeTCP, nil
	}
	return "", fmt.Errorf("bad parameter: unknown protocol %q", s)
}
