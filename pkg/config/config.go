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

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/logging"
	"github.com/gostor/ctld/pkg/util"
)

const (
	// ConfigName is the base name of the config file, without extension.
	ConfigName = "ctld"

	DefaultISCSIPort   = "3260"
	DefaultNVMeTCPPort = "4420"
	DefaultIdleTimeout = 60 * time.Second
	DefaultAPIHost     = "unix:///var/run/ctld.sock"

	DefaultAuthGroup          = "default"
	NoAuthenticationAuthGroup = "no-authentication"
	NoAccessAuthGroup         = "no-access"
)

var ErrNoSuchTarget = errors.New("no such target")

var (
	configDir  = os.Getenv("CTLD_CONFIG")
	generation uint64
)

func init() {
	if configDir == "" {
		home, err := homedir.Dir()
		if err == nil {
			configDir = filepath.Join(home, ".ctld")
		}
	}
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	return configDir
}

type CHAPUser struct {
	User         string `mapstructure:"user"`
	Secret       string `mapstructure:"secret"`
	MutualUser   string `mapstructure:"mutual-user"`
	MutualSecret string `mapstructure:"mutual-secret"`
}

type AuthGroup struct {
	Name     string     `mapstructure:"name"`
	AuthType string     `mapstructure:"auth-type"`
	CHAP     []CHAPUser `mapstructure:"chap"`
	// InitiatorNames holds iSCSI initiator names or NVMe host NQNs.
	InitiatorNames   []string `mapstructure:"initiator-name"`
	InitiatorPortals []string `mapstructure:"initiator-portal"`
}

// PortalGroup is an iSCSI portal group or, under transport-groups, an NVMe
// transport group.
type PortalGroup struct {
	Name                  string   `mapstructure:"name"`
	Tag                   int      `mapstructure:"tag"`
	Listen                []string `mapstructure:"listen"`
	DiscoveryAuthGroup    string   `mapstructure:"discovery-auth-group"`
	DiscoveryFilter       string   `mapstructure:"discovery-filter"`
	Redirect              string   `mapstructure:"redirect"`
	Offload               string   `mapstructure:"offload"`
	SQFlowControlOptional bool     `mapstructure:"sq-flow-control-optional"`
}

type Port struct {
	PortalGroup string `mapstructure:"portal-group"`
	AuthGroup   string `mapstructure:"auth-group"`
}

// Target is an iSCSI target or, under controllers, an NVMe subsystem.
type Target struct {
	Name      string `mapstructure:"name"`
	Alias     string `mapstructure:"alias"`
	AuthGroup string `mapstructure:"auth-group"`
	Redirect  string `mapstructure:"redirect"`
	Ports     []Port `mapstructure:"ports"`
}

type APIConfig struct {
	Hosts   []string `mapstructure:"hosts"`
	Metrics bool     `mapstructure:"metrics"`
}

type Config struct {
	Logging         logging.Config `mapstructure:"logging"`
	Kernel          kernel.Config  `mapstructure:"kernel"`
	API             APIConfig      `mapstructure:"api"`
	IdleTimeout     time.Duration  `mapstructure:"idle-timeout"`
	AuthGroups      []AuthGroup    `mapstructure:"auth-groups"`
	PortalGroups    []PortalGroup  `mapstructure:"portal-groups"`
	TransportGroups []PortalGroup  `mapstructure:"transport-groups"`
	Targets         []Target       `mapstructure:"targets"`
	Controllers     []Target       `mapstructure:"controllers"`
}

// NewViper returns a viper instance set up with the config search path and
// the CTLD_ environment prefix. file overrides the search path.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigName)
		if configDir != "" {
			v.AddConfigPath(configDir)
		}
		v.AddConfigPath("/etc/ctld")
	}
	v.SetEnvPrefix("ctld")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads and validates the configuration known to v.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Decode(v)
}

// Decode validates the values already present in v.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", v.ConfigFileUsed(), err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset values and assigns tags to portal groups that
// have none.
func (c *Config) ApplyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Kernel.Backend == "" {
		c.Kernel.Backend = kernel.BackendProxy
	}
	if len(c.API.Hosts) == 0 {
		c.API.Hosts = []string{DefaultAPIHost}
	}
	assignTags(c.PortalGroups)
	assignTags(c.TransportGroups)
	for i := range c.PortalGroups {
		if c.PortalGroups[i].DiscoveryAuthGroup == "" {
			c.PortalGroups[i].DiscoveryAuthGroup = DefaultAuthGroup
		}
	}
	for i := range c.TransportGroups {
		if c.TransportGroups[i].DiscoveryAuthGroup == "" {
			c.TransportGroups[i].DiscoveryAuthGroup = DefaultAuthGroup
		}
	}
}

func assignTags(groups []PortalGroup) {
	used := map[int]bool{}
	for _, g := range groups {
		used[g.Tag] = true
	}
	next := 1
	for i := range groups {
		if groups[i].Tag != 0 {
			continue
		}
		for used[next] {
			next++
		}
		groups[i].Tag = next
		used[next] = true
	}
}

// Validate checks references and value ranges.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("bad parameter: negative idle-timeout %s", c.IdleTimeout)
	}
	groups := map[string]bool{
		DefaultAuthGroup:          true,
		NoAuthenticationAuthGroup: true,
		NoAccessAuthGroup:         true,
	}
	for _, ag := range c.AuthGroups {
		if ag.Name == "" {
			return errors.New("bad parameter: auth-group without a name")
		}
		if _, err := api.ParseAuthType(ag.AuthType); err != nil {
			return fmt.Errorf("auth-group %q: %w", ag.Name, err)
		}
		for _, u := range ag.CHAP {
			if u.User == "" || u.Secret == "" {
				return fmt.Errorf("auth-group %q: chap entries need a user and a secret", ag.Name)
			}
			if (u.MutualUser == "") != (u.MutualSecret == "") {
				return fmt.Errorf("auth-group %q: mutual-user and mutual-secret go together", ag.Name)
			}
		}
		for _, p := range ag.InitiatorPortals {
			if _, err := auth.ParsePortal(p); err != nil {
				return fmt.Errorf("auth-group %q: %w", ag.Name, err)
			}
		}
		groups[ag.Name] = true
	}
	checkGroups := func(kind string, pgs []PortalGroup) (map[string]bool, error) {
		names := map[string]bool{}
		tags := map[int]bool{}
		for _, pg := range pgs {
			if pg.Name == "" {
				return nil, fmt.Errorf("bad parameter: %s without a name", kind)
			}
			if names[pg.Name] {
				return nil, fmt.Errorf("duplicate %s %q", kind, pg.Name)
			}
			if pg.Tag <= 0 || pg.Tag > 0xffff || tags[pg.Tag] {
				return nil, fmt.Errorf("%s %q: bad or duplicate tag %d", kind, pg.Name, pg.Tag)
			}
			if !groups[pg.DiscoveryAuthGroup] {
				return nil, fmt.Errorf("%s %q: unknown discovery-auth-group %q", kind, pg.Name, pg.DiscoveryAuthGroup)
			}
			if _, err := api.ParseDiscoveryFilter(pg.DiscoveryFilter); err != nil {
				return nil, fmt.Errorf("%s %q: %w", kind, pg.Name, err)
			}
			for _, l := range pg.Listen {
				if _, _, err := splitListen(l, "0"); err != nil {
					return nil, fmt.Errorf("%s %q: %w", kind, pg.Name, err)
				}
			}
			names[pg.Name] = true
			tags[pg.Tag] = true
		}
		return names, nil
	}
	pgNames, err := checkGroups("portal-group", c.PortalGroups)
	if err != nil {
		return err
	}
	tgNames, err := checkGroups("transport-group", c.TransportGroups)
	if err != nil {
		return err
	}
	checkTargets := func(kind string, targets []Target, pgs map[string]bool, valid func(string) error) error {
		seen := map[string]bool{}
		for _, t := range targets {
			if err := valid(t.Name); err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			key := strings.ToLower(t.Name)
			if seen[key] {
				return fmt.Errorf("duplicate %s %q", kind, t.Name)
			}
			seen[key] = true
			if t.AuthGroup != "" && !groups[t.AuthGroup] {
				return fmt.Errorf("%s %q: unknown auth-group %q", kind, t.Name, t.AuthGroup)
			}
			if len(t.Ports) == 0 {
				log.Warnf("%s %q is not exported on any portal group", kind, t.Name)
			}
			for _, p := range t.Ports {
				if !pgs[p.PortalGroup] {
					return fmt.Errorf("%s %q: unknown portal-group %q", kind, t.Name, p.PortalGroup)
				}
				if p.AuthGroup != "" && !groups[p.AuthGroup] {
					return fmt.Errorf("%s %q: unknown auth-group %q", kind, t.Name, p.AuthGroup)
				}
			}
		}
		return nil
	}
	if err := checkTargets("target", c.Targets, pgNames, util.ValidISCSIName); err != nil {
		return err
	}
	return checkTargets("controller", c.Controllers, tgNames, util.ValidNQN)
}

func splitListen(s, defPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		host, port = strings.Trim(s, "[]"), defPort
	}
	if net.ParseIP(host) == nil {
		return "", "", fmt.Errorf("bad listen address %q", s)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 0xffff {
		return "", "", fmt.Errorf("bad listen port in %q", s)
	}
	return host, port, nil
}

func compileAuthGroup(ag AuthGroup) *api.AuthGroup {
	typ, _ := api.ParseAuthType(ag.AuthType)
	res := &api.AuthGroup{
		Name:           ag.Name,
		Type:           typ,
		InitiatorNames: append([]string(nil), ag.InitiatorNames...),
	}
	for _, u := range ag.CHAP {
		res.Users = append(res.Users, api.CHAPUser{
			User:         u.User,
			Secret:       u.Secret,
			MutualUser:   u.MutualUser,
			MutualSecret: u.MutualSecret,
		})
	}
	for _, p := range ag.InitiatorPortals {
		n, _ := auth.ParsePortal(p)
		res.InitiatorPortals = append(res.InitiatorPortals, n)
	}
	return res
}

// Snapshot compiles the validated configuration into the immutable form the
// protocol drivers work on.
func (c *Config) Snapshot() *api.Snapshot {
	snap := &api.Snapshot{
		Generation: atomic.AddUint64(&generation, 1),
		AuthGroups: map[string]*api.AuthGroup{
			DefaultAuthGroup:          {Name: DefaultAuthGroup, Type: api.AuthTypeDeny},
			NoAuthenticationAuthGroup: {Name: NoAuthenticationAuthGroup, Type: api.AuthTypeNoAuthentication},
			NoAccessAuthGroup:         {Name: NoAccessAuthGroup, Type: api.AuthTypeDeny},
		},
	}
	for _, ag := range c.AuthGroups {
		snap.AuthGroups[ag.Name] = compileAuthGroup(ag)
	}

	compileGroups := func(proto api.Protocol, defPort string, pgs []PortalGroup) map[string]*api.PortalGroup {
		byName := map[string]*api.PortalGroup{}
		for _, pg := range pgs {
			filter, _ := api.ParseDiscoveryFilter(pg.DiscoveryFilter)
			res := &api.PortalGroup{
				Name:                  pg.Name,
				Tag:                   uint16(pg.Tag),
				Protocol:              proto,
				DiscoveryAuthGroup:    snap.AuthGroups[pg.DiscoveryAuthGroup],
				DiscoveryFilter:       filter,
				Redirect:              pg.Redirect,
				Offload:               pg.Offload,
				SQFlowControlOptional: pg.SQFlowControlOptional,
			}
			for _, l := range pg.Listen {
				host, port, _ := splitListen(l, defPort)
				res.Portals = append(res.Portals, &api.Portal{Host: host, Port: port, Group: res})
			}
			byName[pg.Name] = res
			snap.PortalGroups = append(snap.PortalGroups, res)
		}
		return byName
	}
	compileTargets := func(targets []Target, pgs map[string]*api.PortalGroup) {
		for _, t := range targets {
			target := &api.Target{
				Name:     t.Name,
				Alias:    t.Alias,
				Redirect: t.Redirect,
			}
			ag := t.AuthGroup
			if ag == "" {
				ag = DefaultAuthGroup
			}
			target.AuthGroup = snap.AuthGroups[ag]
			for _, p := range t.Ports {
				pg := pgs[p.PortalGroup]
				port := &api.Port{Target: target, PortalGroup: pg}
				if p.AuthGroup != "" {
					port.AuthGroup = snap.AuthGroups[p.AuthGroup]
				}
				target.Ports = append(target.Ports, port)
				pg.Ports = append(pg.Ports, port)
			}
			snap.Targets = append(snap.Targets, target)
		}
	}
	compileTargets(c.Targets, compileGroups(api.ProtocolISCSI, DefaultISCSIPort, c.PortalGroups))
	compileTargets(c.Controllers, compileGroups(api.ProtocolNVMeTCP, DefaultNVMeTCPPort, c.TransportGroups))
	return snap
}

// LookupTarget returns the named target of snap.
func LookupTarget(snap *api.Snapshot, name string) (*api.Target, error) {
	if t := snap.Target(name); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchTarget, name)
}
