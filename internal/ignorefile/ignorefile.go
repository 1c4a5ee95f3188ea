// Copyright 2026 The npmvulncheck Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ignorefile reads the project's vulnerability-ignore policy file:
// a JSON document naming vulnerability IDs to suppress, optionally until a
// given date.
package ignorefile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"time"
)

// Rule is one ignore entry.
type Rule struct {
	ID     string `json:"id"`
	Until  string `json:"until,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DefaultName is the conventional ignore-file name under a project root.
const DefaultName = ".npmvulncheck-ignore.json"

// Policy answers whether a given vulnerability ID is currently ignored.
type Policy struct {
	active map[string]bool
}

type document struct {
	Ignore []Rule `json:"ignore"`
}

// Load reads and parses the ignore file at path. A missing file yields an
// empty, always-inactive Policy rather than an error.
func Load(fsys fs.FS, path string) (*Policy, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Policy{}, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	return newPolicy(doc.Ignore, time.Now()), nil
}

// newPolicy builds a Policy from raw rules, evaluating each rule's Until
// against now. A rule with no Until is active indefinitely; a rule with an
// invalid or past Until is inactive.
func newPolicy(rules []Rule, now time.Time) *Policy {
	active := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			continue
		}
		if r.Until == "" {
			active[r.ID] = true
			continue
		}
		until, err := time.Parse(time.RFC3339, r.Until)
		if err != nil {
			until, err = time.Parse("2006-01-02", r.Until)
		}
		if err != nil {
			continue // invalid Until: inactive
		}
		if until.Before(now) {
			continue // past Until: inactive
		}
		active[r.ID] = true
	}
	return &Policy{active: active}
}

// Ignored reports whether id is currently suppressed by this policy.
func (p *Policy) Ignored(id string) bool {
	if p == nil {
		return false
	}
	return p.active[id]
}

