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
package session

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/apiserver/httputils"
	"github.com/gostor/ctld/pkg/apiserver/router"
	"github.com/gostor/ctld/pkg/kernel"
)

// sessionRouter lists live connections and the connections parked by the
// proxy kernel backend.
type sessionRouter struct {
	backend router.Backend
	routes  []router.Route
}

func NewRouter(b router.Backend) router.Router {
	r := &sessionRouter{backend: b}
	r.initRoutes()
	return r
}

func (r *sessionRouter) Routes() []router.Route {
	return r.routes
}

func (r *sessionRouter) initRoutes() {
	r.routes = []router.Route{
		// GET
		router.NewGetRoute("/session/list", r.getSessionList),
		router.NewGetRoute("/session/parked", r.getParkedList),
		// DELETE
		router.NewDeleteRoute("/session/parked/{id:.*}", r.deleteParked),
	}
}

func (r *sessionRouter) getSessionList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	target := req.Form.Get("target")
	res := []api.ConnectionInfo{}
	for _, c := range r.backend.Connections() {
		if target != "" && !strings.EqualFold(c.Target, target) {
			continue
		}
		res = append(res, c)
	}
	return httputils.WriteJSON(w, http.StatusOK, res)
}

func (r *sessionRouter) getParkedList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	parked := r.backend.Parked()
	res := make([]api.ParkedConnectionInfo, 0, len(parked))
	for _, p := range parked {
		res = append(res, parkedInfo(p))
	}
	return httputils.WriteJSON(w, http.StatusOK, res)
}

func (r *sessionRouter) deleteParked(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id := vars["id"]
	if !r.backend.DropParked(id) {
		return fmt.Errorf("no such parked connection: %s", id)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func parkedInfo(p kernel.ParkedConnection) api.ParkedConnectionInfo {
	return api.ParkedConnectionInfo{
		ID:             p.ID,
		Protocol:       p.Request.Protocol,
		Initiator:      p.Request.InitiatorName,
		Address:        p.Request.InitiatorAddr,
		Target:         p.Request.TargetName,
		PortalGroupTag: p.Request.PortalGroupTag,
		Since:          p.Since,
	}
}
