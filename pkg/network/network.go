// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/flowline/pkg/registry"
)

// DefaultMaxIterations bounds a network run when the config leaves it unset.
const DefaultMaxIterations = 10

// Config defines a network.
type Config struct {
	Name        string
	Description string
	Delegates   []Delegate
	Router      Router
	// MaxIterations bounds the number of delegations in one run.
	MaxIterations int
}

// Network is a named set of delegates with a routing policy.
type Network struct {
	name          string
	description   string
	router        Router
	maxIterations int
	delegates     *registry.BaseRegistry[Delegate]
}

// New validates cfg and creates a network.
func New(cfg Config) (*Network, error) {
	if cfg.Name == "" {
		return nil, errors.New("network name is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("network %q: router is required", cfg.Name)
	}
	if len(cfg.Delegates) == 0 {
		return nil, fmt.Errorf("network %q: at least one delegate is required", cfg.Name)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	n := &Network{
		name:          cfg.Name,
		description:   cfg.Description,
		router:        cfg.Router,
		maxIterations: cfg.MaxIterations,
		delegates:     registry.NewBaseRegistry[Delegate]("delegate"),
	}
	for _, d := range cfg.Delegates {
		if d == nil {
			return nil, fmt.Errorf("network %q: nil delegate", cfg.Name)
		}
		if err := n.delegates.Register(d.Name(), d); err != nil {
			return nil, fmt.Errorf("network %q: %w", cfg.Name, err)
		}
	}
	return n, nil
}

func (n *Network) Name() string        { return n.name }
func (n *Network) Description() string { return n.description }
func (n *Network) Router() Router      { return n.router }
func (n *Network) MaxIterations() int  { return n.maxIterations }

// Delegate looks up a delegate by name.
func (n *Network) Delegate(name string) (Delegate, error) {
	return n.delegates.MustGet(name)
}

// Delegates lists delegates in registration order.
func (n *Network) Delegates() []Delegate {
	return n.delegates.List()
}

// DelegateInfo describes a delegate to routers and API listings.
type DelegateInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

// Describe lists delegate infos in registration order.
func (n *Network) Describe() []DelegateInfo {
	ds := n.Delegates()
	out := make([]DelegateInfo, len(ds))
	for i, d := range ds {
		out[i] = DelegateInfo{Name: d.Name(), Description: d.Description(), Kind: d.Kind()}
	}
	return out
}
