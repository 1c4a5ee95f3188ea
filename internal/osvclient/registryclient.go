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

package osvclient

import (
	"context"

	"github.com/ossguard/npmvulncheck/clients/datasource"
)

// NPMRegistryClient adapts the npm registry datasource client as this
// package's RegistryClient.
type NPMRegistryClient struct {
	api *datasource.NPMRegistryAPIClient
}

// NewNPMRegistryClient loads registry configuration (including any
// project-level .npmrc) from projectDir.
func NewNPMRegistryClient(projectDir string) (*NPMRegistryClient, error) {
	api, err := datasource.NewNPMRegistryAPIClient(projectDir)
	if err != nil {
		return nil, err
	}
	return &NPMRegistryClient{api: api}, nil
}

// Versions implements RegistryClient.
func (c *NPMRegistryClient) Versions(ctx context.Context, name string) ([]string, error) {
	v, err := c.api.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.Versions, nil
}
