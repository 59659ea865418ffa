// Copyright 2024 The gVisor Authors.
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

package verify

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"vkernel.dev/vkernel/pkg/log"
)

// Policy is the host's side of verification: what user code may call and
// which relaxations apply.
type Policy struct {
	// Callable are symbols user code may call. They are resolved to
	// addresses by Resolve.
	Callable []string `toml:"callable"`

	// CallableAddrs are addresses user code may call.
	CallableAddrs []uint64 `toml:"callable_addrs"`

	// AllowGS permits accesses with a gs: override, which address the
	// user data region.
	AllowGS bool `toml:"allow_gs"`

	// MaxFunctions limits the number of functions in an image. Zero means
	// no limit.
	MaxFunctions int `toml:"max_functions"`

	callable map[uint64]struct{}
}

// DefaultPolicy returns the policy used when none is given: gs-relative
// accesses are allowed and nothing is callable.
func DefaultPolicy() *Policy {
	return &Policy{AllowGS: true}
}

// LoadPolicy loads a policy from a TOML file. Keys absent from the file
// keep their DefaultPolicy values.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	md, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("decode policy file %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("policy file %q: %w", path, err)
	}
	return p, nil
}

// ParsePolicy parses a policy from TOML text.
func ParsePolicy(text string) (*Policy, error) {
	p := DefaultPolicy()
	md, err := toml.Decode(text, p)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return p, nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("unknown keys %v", keys)
	}
	return nil
}

// Resolve resolves the Callable symbols using syms. Unknown symbols are
// ignored with a warning, since a user image need not call every host
// function.
func (p *Policy) Resolve(syms map[string]uint64) {
	p.callable = make(map[uint64]struct{}, len(p.Callable)+len(p.CallableAddrs))
	for _, a := range p.CallableAddrs {
		p.callable[a] = struct{}{}
	}
	for _, name := range p.Callable {
		addr, ok := syms[name]
		if !ok {
			log.Warningf("Callable symbol %q not found in image", name)
			continue
		}
		p.callable[addr] = struct{}{}
	}
}

// IsCallable returns true if user code may call addr.
func (p *Policy) IsCallable(addr uint64) bool {
	if p.callable == nil {
		for _, a := range p.CallableAddrs {
			if a == addr {
				return true
			}
		}
		return false
	}
	_, ok := p.callable[addr]
	return ok
}
