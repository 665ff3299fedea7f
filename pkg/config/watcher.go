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
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/metrics"
)

// Watch reloads the config file of v whenever it changes and passes each
// valid snapshot to apply. Invalid configurations are logged and skipped;
// the previous snapshot stays in use. Watch returns once the watcher is set
// up and stops when ctx is done.
func Watch(ctx context.Context, v *viper.Viper, apply func(*Config, *api.Snapshot)) error {
	file := v.ConfigFileUsed()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(file) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload(v, apply)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Errorf("config watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func reload(v *viper.Viper, apply func(*Config, *api.Snapshot)) {
	cfg, err := Load(v)
	if err != nil {
		log.WithError(err).Errorf("ignoring invalid configuration %s", v.ConfigFileUsed())
		metrics.Metrics.ConfigReloadsTotal.WithLabelValues("failed").Inc()
		return
	}
	snap := cfg.Snapshot()
	log.Infof("configuration %s reloaded, generation %d", v.ConfigFileUsed(), snap.Generation)
	metrics.Metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
	apply(cfg, snap)
}
