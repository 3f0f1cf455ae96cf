// registry.go - Endpoint registry.
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

package endpoint

import "sync"

// Registry resolves endpoints by name.  Outbound contexts and async
// completion jobs hold (registry, name) instead of raw endpoint
// references and no-op when resolution fails.
type Registry struct {
	sync.RWMutex

	endpoints map[string]*Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
	}
}

// Register adds ep under its name, replacing any previous entry.
func (r *Registry) Register(ep *Endpoint) {
	r.Lock()
	defer r.Unlock()
	r.endpoints[ep.name] = ep
}

// Unregister removes the named endpoint.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()
	delete(r.endpoints, name)
}

// Get resolves name, returning nil when the endpoint is gone.
func (r *Registry) Get(name string) *Endpoint {
	r.RLock()
	defer r.RUnlock()
	return r.endpoints[name]
}
