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
	"fmt"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"osv.dev/bindings/go/osvdev"
	"osv.dev/bindings/go/osvdevexperimental"
)

// OSVDevClient is the default HTTPClient, backed by the real OSV.dev API.
// osvdevexperimental.BatchQueryPaging follows next_page_token continuation
// internally per call; the ≤256-sized chunking mandated on top of that is
// done by Provider.QueryPackages.
type OSVDevClient struct {
	client *osvdev.OSVClient
}

// NewOSVDevClient returns a client using OSV.dev's default endpoint.
func NewOSVDevClient() *OSVDevClient {
	return &OSVDevClient{client: osvdev.DefaultClient()}
}

// QueryBatch implements HTTPClient.
func (c *OSVDevClient) QueryBatch(ctx context.Context, queries []PackageQuery) ([][]QueryMatch, error) {
	reqs := make([]*osvdev.Query, len(queries))
	for i, q := range queries {
		reqs[i] = &osvdev.Query{
			Package: osvdev.Package{Name: q.Name, Ecosystem: "npm"},
			Version: q.Version,
		}
	}

	resp, err := osvdevexperimental.BatchQueryPaging(ctx, c.client, reqs)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(queries) {
		return nil, fmt.Errorf("osvclient: osv.dev returned %d results for %d queries", len(resp.Results), len(queries))
	}

	out := make([][]QueryMatch, len(queries))
	for i, r := range resp.Results {
		matches := make([]QueryMatch, 0, len(r.Vulns))
		for _, v := range r.Vulns {
			matches = append(matches, QueryMatch{ID: v.ID, Modified: v.Modified})
		}
		out[i] = matches
	}
	return out, nil
}

// GetVulnByID implements HTTPClient.
func (c *OSVDevClient) GetVulnByID(ctx context.Context, id string) (*osvschema.Vulnerability, error) {
	return c.client.GetVulnByID(ctx, id)
}
