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

// Package severity computes a CVSS base score for an OSV severity record
// and derives the coarse 0-3 severity rank the scan orchestrator folds
// into a finding's priority score.
package severity

import (
	"fmt"
	"strings"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	gocvss20 "github.com/pandatix/go-cvss/20"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"
)

// Rank is the coarse severity bucket used for priority scoring.
type Rank int

const (
	RankNone Rank = iota
	RankLow
	RankMedium
	RankHigh
	RankCritical
)

// Score returns the numeric score for the given severity field, i.e. the
// CVSS score (0.0 - 10.0).
//
// Returns (-1.0, nil) if severity is the empty struct.
// Returns (-1.0, error) if severity type or score is invalid.
func Score(sev osvschema.Severity) (float64, error) {
	var empty osvschema.Severity
	if sev == empty {
		return -1.0, nil
	}

	switch sev.Type {
	case osvschema.SeverityCVSSV2:
		vec, err := gocvss20.ParseVector(sev.Score)
		if err != nil {
			return -1.0, err
		}
		return vec.BaseScore(), nil
	case osvschema.SeverityCVSSV3:
		switch {
		case strings.HasPrefix(sev.Score, "CVSS:3.0/"):
			vec, err := gocvss30.ParseVector(sev.Score)
			if err != nil {
				return -1.0, err
			}
			return vec.BaseScore(), nil
		case strings.HasPrefix(sev.Score, "CVSS:3.1/"):
			vec, err := gocvss31.ParseVector(sev.Score)
			if err != nil {
				return -1.0, err
			}
			return vec.BaseScore(), nil
		default:
			return -1.0, fmt.Errorf("unsupported CVSS_V3 version: %s", sev.Score)
		}
	case osvschema.SeverityCVSSV4:
		vec, err := gocvss40.ParseVector(sev.Score)
		if err != nil {
			return -1.0, err
		}
		return vec.Score(), nil
	default:
		return -1.0, fmt.Errorf("unsupported severity type: %s", sev.Type)
	}
}

// RankFromScore buckets a 0-10 CVSS base score into a Rank, following the
// standard CVSS qualitative severity ranges.
func RankFromScore(score float64) Rank {
	switch {
	case score < 0:
		return RankNone
	case score == 0:
		return RankNone
	case score < 4.0:
		return RankLow
	case score < 7.0:
		return RankMedium
	case score < 9.0:
		return RankHigh
	default:
		return RankCritical
	}
}

// RankFromLabel maps a textual severity label (critical/high/medium/low,
// case-insensitive, with "moderate" accepted as medium) to a Rank. ok is
// false if label doesn't match one of those words.
func RankFromLabel(label string) (rank Rank, ok bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "critical":
		return RankCritical, true
	case "high":
		return RankHigh, true
	case "medium", "moderate":
		return RankMedium, true
	case "low":
		return RankLow, true
	default:
		return RankNone, false
	}
}

// Rate derives a finding's severity Rank from a vulnerability record,
// preferring textLabel when RankFromLabel recognises it, and otherwise
// taking the highest rank among the severity entries whose Score parses as
// a CVSS vector or number. Returns RankNone if neither source yields a
// usable value.
func Rate(sevs []osvschema.Severity, textLabel string) Rank {
	if label, ok := RankFromLabel(textLabel); ok {
		return label
	}

	best := RankNone
	for _, s := range sevs {
		score, err := Score(s)
		if err != nil || score < 0 {
			continue
		}
		if r := RankFromScore(score); r > best {
			best = r
		}
	}
	return best
}

// PriorityOffset converts a Rank into the 0-3 additive term spec.md's
// priority formula adds to the mode/reachability base score.
func (r Rank) PriorityOffset() int {
	switch r {
	case RankCritical:
		return 3
	case RankHigh:
		return 2
	case RankMedium:
		return 1
	default:
		return 0
	}
}

// Level maps a Rank to the coarse high/medium/low bucket spec.md's "other
// mode" priority rule uses. Critical folds into high.
func (r Rank) Level() string {
	switch r {
	case RankCritical, RankHigh:
		return "high"
	case RankMedium:
		return "medium"
	default:
		return "low"
	}
}
