// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed domains.yaml
var embeddedDomains []byte

// Registry limits. A registry outside these bounds is a config bug.
const (
	MaxDomains            = 64
	MaxKeywordsPerDomain  = 128
	MaxFallbacksPerDomain = 5
)

var (
	// ErrNoDomains indicates an empty registry.
	ErrNoDomains = errors.New("domain registry contains no domains")
	// ErrDuplicateDomain indicates two domains share a name.
	ErrDuplicateDomain = errors.New("duplicate domain name")
	// ErrUnknownFallback indicates a fallback names a missing domain.
	ErrUnknownFallback = errors.New("fallback references unknown domain")
)

// Domain describes one routable collection.
type Domain struct {
	// Name is the routing identity, e.g. "benefits".
	Name string `yaml:"name"`

	// Collection is the Weaviate class queries are sent to.
	Collection string `yaml:"collection"`

	// Priority breaks conflicts between equally-scored collections.
	// Higher wins.
	Priority int `yaml:"priority"`

	// Keywords map signal terms to weights in (0, 1].
	Keywords map[string]float64 `yaml:"keywords"`

	// Modifiers add a small boost when they co-occur with a keyword.
	Modifiers []string `yaml:"modifiers"`

	// Fallbacks are adjacent domains, ordered by topical proximity.
	Fallbacks []string `yaml:"fallbacks"`
}

// DomainRegistry is the validated set of routable domains.
type DomainRegistry struct {
	Domains []Domain `yaml:"domains"`

	byName map[string]*Domain
}

// LoadDomains parses and validates the embedded domain registry.
func LoadDomains() (*DomainRegistry, error) {
	return parseDomains(embeddedDomains)
}

// ParseDomains parses a registry from raw YAML. Exposed for tests and
// for operators shipping a site-specific registry file.
func ParseDomains(raw []byte) (*DomainRegistry, error) {
	return parseDomains(raw)
}

func parseDomains(raw []byte) (*DomainRegistry, error) {
	var reg DomainRegistry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("parsing domain registry: %w", err)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	reg.byName = make(map[string]*Domain, len(reg.Domains))
	for i := range reg.Domains {
		reg.byName[reg.Domains[i].Name] = &reg.Domains[i]
	}
	return &reg, nil
}

// Get returns the domain with the given name, or nil.
func (r *DomainRegistry) Get(name string) *Domain {
	return r.byName[name]
}

func (r *DomainRegistry) validate() error {
	if len(r.Domains) == 0 {
		return ErrNoDomains
	}
	if len(r.Domains) > MaxDomains {
		return fmt.Errorf("registry has %d domains, max %d", len(r.Domains), MaxDomains)
	}

	seen := make(map[string]bool, len(r.Domains))
	for _, d := range r.Domains {
		if d.Name == "" {
			return errors.New("domain with empty name")
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateDomain, d.Name)
		}
		seen[d.Name] = true

		if d.Collection == "" {
			return fmt.Errorf("domain %s has empty collection", d.Name)
		}
		if len(d.Keywords) == 0 {
			return fmt.Errorf("domain %s has no keywords", d.Name)
		}
		if len(d.Keywords) > MaxKeywordsPerDomain {
			return fmt.Errorf("domain %s has %d keywords, max %d",
				d.Name, len(d.Keywords), MaxKeywordsPerDomain)
		}
		for term, w := range d.Keywords {
			if term == "" {
				return fmt.Errorf("domain %s has an empty keyword", d.Name)
			}
			if w <= 0 || w > 1 {
				return fmt.Errorf("domain %s keyword %q weight %.2f outside (0, 1]",
					d.Name, term, w)
			}
		}
		if len(d.Fallbacks) > MaxFallbacksPerDomain {
			return fmt.Errorf("domain %s has %d fallbacks, max %d",
				d.Name, len(d.Fallbacks), MaxFallbacksPerDomain)
		}
	}

	// Fallbacks checked after all names are known.
	for _, d := range r.Domains {
		for _, fb := range d.Fallbacks {
			if !seen[fb] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownFallback, d.Name, fb)
			}
			if fb == d.Name {
				return fmt.Errorf("domain %s lists itself as a fallback", d.Name)
			}
		}
	}
	return nil
}
