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

package severity_test

import (
	"math"
	"testing"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"github.com/ossguard/npmvulncheck/internal/severity"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		sev  osvschema.Severity
		want float64
	}{
		{
			name: "empty severity",
			sev:  osvschema.Severity{},
			want: -1,
		},
		{
			name: "CVSS v3.1 critical",
			sev: osvschema.Severity{
				Type:  osvschema.SeverityCVSSV3,
				Score: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H",
			},
			want: 10.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := severity.Score(tt.sev)
			if err != nil {
				t.Fatalf("Score() error: %v", err)
			}
			if math.Round(10*got) != math.Round(10*tt.want) {
				t.Errorf("Score() = %.1f, want %.1f", got, tt.want)
			}
		})
	}
}

func TestScore_UnsupportedVector(t *testing.T) {
	_, err := severity.Score(osvschema.Severity{Type: osvschema.SeverityCVSSV3, Score: "CVSS:2.9/garbage"})
	if err == nil {
		t.Fatal("expected error for unsupported CVSS_V3 version prefix")
	}
}

func TestRankFromLabel(t *testing.T) {
	tests := []struct {
		label string
		want  severity.Rank
		ok    bool
	}{
		{"CRITICAL", severity.RankCritical, true},
		{"High", severity.RankHigh, true},
		{"medium", severity.RankMedium, true},
		{"low", severity.RankLow, true},
		{"unknown", severity.RankNone, false},
		{"", severity.RankNone, false},
	}
	for _, tt := range tests {
		rank, ok := severity.RankFromLabel(tt.label)
		if rank != tt.want || ok != tt.ok {
			t.Errorf("RankFromLabel(%q) = (%v, %v), want (%v, %v)", tt.label, rank, ok, tt.want, tt.ok)
		}
	}
}

func TestRate_PrefersTextualLabel(t *testing.T) {
	sevs := []osvschema.Severity{{
		Type:  osvschema.SeverityCVSSV3,
		Score: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:N",
	}}
	got := severity.Rate(sevs, "Critical")
	if got != severity.RankCritical {
		t.Errorf("Rate() = %v, want RankCritical (textual label should win)", got)
	}
}

func TestRate_FallsBackToNumericScore(t *testing.T) {
	sevs := []osvschema.Severity{{
		Type:  osvschema.SeverityCVSSV3,
		Score: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H",
	}}
	got := severity.Rate(sevs, "")
	if got != severity.RankCritical {
		t.Errorf("Rate() = %v, want RankCritical for a 10.0 base score", got)
	}
}

func TestRate_NoneWhenNothingUsable(t *testing.T) {
	got := severity.Rate(nil, "")
	if got != severity.RankNone {
		t.Errorf("Rate() = %v, want RankNone", got)
	}
}

func TestPriorityOffset(t *testing.T) {
	tests := []struct {
		rank severity.Rank
		want int
	}{
		{severity.RankCritical, 3},
		{severity.RankHigh, 2},
		{severity.RankMedium, 1},
		{severity.RankLow, 0},
		{severity.RankNone, 0},
	}
	for _, tt := range tests {
		if got := tt.rank.PriorityOffset(); got != tt.want {
			t.Errorf("Rank(%v).PriorityOffset() = %d, want %d", tt.rank, got, tt.want)
		}
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		rank severity.Rank
		want string
	}{
		{severity.RankCritical, "high"},
		{severity.RankHigh, "high"},
		{severity.RankMedium, "medium"},
		{severity.RankLow, "low"},
		{severity.RankNone, "low"},
	}
	for _, tt := range tests {
		if got := tt.rank.Level(); got != tt.want {
			t.Errorf("Rank(%v).Level() = %q, want %q", tt.rank, got, tt.want)
		}
	}
}
