// config.go - Endpoint configuration.
// Copyright (C) 2018  LLARP developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config parses endpoint configuration files.
package config

import (
	"errors"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrNoEndpoints is returned when a config file defines no endpoints.
var ErrNoEndpoints = errors.New("config: no endpoints defined")

// Endpoint configures one hidden service endpoint.  The option fields
// map one to one onto the endpoint's SetOption surface.
type Endpoint struct {
	// Name is the endpoint name, used for logging and registry keys.
	Name string

	// Keyfile persists the signing identity, empty regenerates each
	// start.
	Keyfile string

	// Tag is the advertised introset topic.
	Tag string

	// PrefetchTags are continuously resolved topic tags.
	PrefetchTags []string

	// PrefetchAddrs are addresses to keep an aligned path to.
	PrefetchAddrs []string

	// NetNS isolates the endpoint into a named network namespace during
	// Start.
	NetNS string
}

// Logging configures the log backend.
type Logging struct {
	// File is the log sink, empty logs to stdout.
	File string

	// Level is the log level.
	Level string

	// Disable suppresses all output.
	Disable bool
}

// Config is a parsed configuration file.
type Config struct {
	// Logging configures the backend shared by all components.
	Logging Logging

	// Endpoint is the list of endpoints to run.
	Endpoint []Endpoint
}

// Options flattens an endpoint section into SetOption key value pairs in
// a stable order.
func (e *Endpoint) Options() [][2]string {
	var opts [][2]string
	if e.Keyfile != "" {
		opts = append(opts, [2]string{"keyfile", e.Keyfile})
	}
	if e.Tag != "" {
		opts = append(opts, [2]string{"tag", e.Tag})
	}
	for _, t := range e.PrefetchTags {
		opts = append(opts, [2]string{"prefetch-tag", t})
	}
	for _, a := range e.PrefetchAddrs {
		opts = append(opts, [2]string{"prefetch-addr", a})
	}
	if e.NetNS != "" {
		opts = append(opts, [2]string{"netns", e.NetNS})
	}
	return opts
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "NOTICE"
	}
	for i := range c.Endpoint {
		if c.Endpoint[i].Name == "" {
			c.Endpoint[i].Name = "default"
		}
	}
}

func (c *Config) validate() error {
	if len(c.Endpoint) == 0 {
		return ErrNoEndpoints
	}
	return nil
}

// Load parses and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse parses and validates a config document.
func Parse(raw []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
