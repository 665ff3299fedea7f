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

// Package logging configures the global logrus logger: console output and
// an optional rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Filename enables the log file when set.
	Filename string `mapstructure:"filename" json:"filename,omitempty"`
	// MaxAge is the number of days rotated files are kept. Zero keeps them.
	MaxAge int `mapstructure:"maxAge" json:"maxAge,omitempty"`
	// MaxSize is the rotation threshold in megabytes.
	MaxSize      int    `mapstructure:"maxSize" json:"maxSize,omitempty"`
	ReportCaller bool   `mapstructure:"reportCaller" json:"reportCaller,omitempty"`
	Level        string `mapstructure:"level" json:"level,omitempty"`
	// Timestamps adds timestamps to console lines.
	Timestamps bool `mapstructure:"timestamps" json:"timestamps,omitempty"`
}

// Validate checks the configured level.
func (c *Config) Validate() error {
	if c.Level == "" {
		return nil
	}
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid logging level %q: %v", c.Level, err)
	}
	return nil
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	_, filename := path.Split(f.File)
	return path.Base(f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
}

func levelWriters(w io.Writer, lowest logrus.Level) lfshook.WriterMap {
	m := lfshook.WriterMap{}
	for level := lowest; level > logrus.PanicLevel; level-- {
		m[level] = w
	}
	return m
}

// Setup replaces the logger's output with lfshook hooks for the console
// and, when configured, a lumberjack-rotated file.
func Setup(cfg Config) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return err
		}
	}
	logrus.SetOutput(io.Discard)
	logrus.SetLevel(level)
	logrus.SetReportCaller(cfg.ReportCaller)

	console := &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: !cfg.Timestamps,
		FullTimestamp:    cfg.Timestamps,
		CallerPrettyfier: callerPrettyfier,
	}
	logrus.AddHook(lfshook.NewHook(levelWriters(os.Stdout, level), console))

	if cfg.Filename != "" {
		file := &lumberjack.Logger{
			Filename: cfg.Filename,
			MaxSize:  cfg.MaxSize,
			MaxAge:   cfg.MaxAge,
			Compress: true,
		}
		formatter := &logrus.TextFormatter{
			DisableColors:    true,
			FullTimestamp:    true,
			CallerPrettyfier: callerPrettyfier,
		}
		logrus.AddHook(lfshook.NewHook(levelWriters(file, level), formatter))
	}
	return nil
}
