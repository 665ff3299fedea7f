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
package cmd

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/apiserver"
	"github.com/gostor/ctld/pkg/config"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/logging"
	"github.com/gostor/ctld/pkg/port"
	_ "github.com/gostor/ctld/pkg/port/iscsit"
	_ "github.com/gostor/ctld/pkg/port/nvmet"
	"github.com/gostor/ctld/pkg/version"
)

// daemonFlags maps configuration keys to the daemon flags overriding them.
var daemonFlags = map[string]string{
	"logging.level":  "log",
	"kernel.backend": "kernel-backend",
	"api.hosts":      "api-host",
	"api.metrics":    "metrics",
	"idle-timeout":   "idle-timeout",
}

func newDaemonCommand() *cobra.Command {
	var configFile string
	var cmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the login and discovery daemon",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper(configFile)
			for key, flag := range daemonFlags {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return runDaemon(v)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file (default $CTLD_CONFIG/ctld.yaml or /etc/ctld/ctld.yaml)")
	flags.String("log", "", "Log level of the daemon")
	flags.String("kernel-backend", "", "Kernel backend: ctl or proxy")
	flags.StringSlice("api-host", nil, "API listen address, PROTO://ADDR (repeatable)")
	flags.Bool("metrics", false, "Expose Prometheus metrics on the API")
	flags.Duration("idle-timeout", 0, "Abort logins idle for this long")
	return cmd
}

// daemon is the state the API serves: the current snapshot, the protocol
// drivers and the kernel backend.
type daemon struct {
	snap    *port.SnapshotStore
	drivers []port.TargetDriver
	backend kernel.Backend
}

func newDaemon(snap *api.Snapshot, backend kernel.Backend, drivers []port.TargetDriver) *daemon {
	return &daemon{
		snap:    port.NewSnapshotStore(snap),
		drivers: drivers,
		backend: backend,
	}
}

func (d *daemon) Snapshot() *api.Snapshot {
	return d.snap.Load()
}

func (d *daemon) Connections() []api.ConnectionInfo {
	res := []api.ConnectionInfo{}
	for _, drv := range d.drivers {
		res = append(res, drv.Connections()...)
	}
	return res
}

func (d *daemon) Parked() []kernel.ParkedConnection {
	if p, ok := d.backend.(*kernel.ProxyBackend); ok {
		return p.Parked()
	}
	return nil
}

func (d *daemon) DropParked(id string) bool {
	if p, ok := d.backend.(*kernel.ProxyBackend); ok {
		return p.Drop(id)
	}
	return false
}

// apply makes snap the configuration of new connections. Listeners stay as
// they were started.
func (d *daemon) apply(cfg *config.Config, snap *api.Snapshot) {
	old := d.snap.Load()
	for _, proto := range []api.Protocol{api.ProtocolISCSI, api.ProtocolNVMeTCP} {
		if !equalStrings(portalAddresses(old, proto), portalAddresses(snap, proto)) {
			log.Warnf("%s portals changed; restart the daemon to listen on the new set", proto)
		}
	}
	d.snap.Store(snap)
	for _, drv := range d.drivers {
		drv.UpdateSnapshot(snap)
	}
}

func portalAddresses(snap *api.Snapshot, proto api.Protocol) []string {
	var res []string
	for _, p := range snap.Portals(proto) {
		res = append(res, p.Address())
	}
	sort.Strings(res)
	return res
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// run serves every driver and the API until ctx is done or one of them
// fails.
func (d *daemon) run(ctx context.Context, srv *apiserver.Server) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, len(d.drivers))
	for _, drv := range d.drivers {
		go func(drv port.TargetDriver) {
			err := drv.Run(ctx)
			if err != nil {
				log.WithError(err).Errorf("%s driver stopped", drv.Name())
			}
			errc <- err
		}(drv)
	}

	// The serve API routine never exits unless an error occurs
	// We need to start it as a goroutine and wait on it so
	// daemon doesn't exit
	serveAPIWait := make(chan error, 1)
	if srv != nil {
		go srv.Wait(serveAPIWait)
	}

	var err error
	select {
	case errAPI := <-serveAPIWait:
		if errAPI != nil {
			log.Warnf("Shutting down due to ServeAPI error: %v", errAPI)
			err = errAPI
		}
	case err = <-errc:
		// Reported by the driver goroutine.
	case <-ctx.Done():
	}
	cancel()
	if srv != nil {
		srv.Close()
	}
	return err
}

func runDaemon(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		log.Error(err)
		return err
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	log.Infof("ctld %s starting with %s", version.VERSION, v.ConfigFileUsed())

	backend, err := kernel.New(cfg.Kernel)
	if err != nil {
		log.Error(err)
		return err
	}
	defer backend.Close()

	snap := cfg.Snapshot()
	var drivers []port.TargetDriver
	for _, name := range port.RegisteredDrivers() {
		drv, err := port.NewTargetDriver(name, port.Options{
			Snapshot:    snap,
			Backend:     backend,
			IdleTimeout: cfg.IdleTimeout,
		})
		if err != nil {
			log.Error(err)
			return err
		}
		drivers = append(drivers, drv)
	}
	d := newDaemon(snap, backend, drivers)

	serverConfig := &apiserver.Config{
		Metrics: cfg.API.Metrics,
		Version: version.Version,
	}
	for _, host := range cfg.API.Hosts {
		addr, err := apiserver.ParseAddr(host)
		if err != nil {
			log.Error(err)
			return err
		}
		serverConfig.Addrs = append(serverConfig.Addrs, addr)
	}
	s, err := apiserver.New(serverConfig, d)
	if err != nil {
		log.Error(err)
		return err
	}
	s.InitRouters()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAll := make(chan os.Signal, 1)
	signal.Notify(stopAll, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-stopAll:
			log.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := config.Watch(ctx, v, d.apply); err != nil {
		log.WithError(err).Warn("configuration changes will not be reloaded")
	}
	return d.run(ctx, s)
}
