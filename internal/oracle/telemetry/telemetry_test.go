// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestObserversRespectEnable counts only while telemetry is on.
func TestObserversRespectEnable(t *testing.T) {
	Enable(Config{Enabled: false})
	before := testutil.ToFloat64(queriesTotal)
	ObserveQuery()
	if got := testutil.ToFloat64(queriesTotal); got != before {
		t.Fatalf("disabled observer counted: %v -> %v", before, got)
	}

	Enable(Config{Enabled: true})
	defer Enable(Config{Enabled: false})

	ObserveQuery()
	if got := testutil.ToFloat64(queriesTotal); got != before+1 {
		t.Fatalf("queries_total = %v, want %v", got, before+1)
	}

	tierBefore := testutil.ToFloat64(tierHitsTotal.WithLabelValues("facts"))
	ObserveTier("facts")
	if got := testutil.ToFloat64(tierHitsTotal.WithLabelValues("facts")); got != tierBefore+1 {
		t.Fatalf("tier counter = %v", got)
	}

	postsBefore := testutil.ToFloat64(boardPostsTotal)
	rejectsBefore := testutil.ToFloat64(boardRejectsTotal)
	ObserveBoardPost(true)
	ObserveBoardPost(false)
	if testutil.ToFloat64(boardPostsTotal) != postsBefore+1 ||
		testutil.ToFloat64(boardRejectsTotal) != rejectsBefore+1 {
		t.Fatalf("board counters not split by outcome")
	}

	SetQueueDepth(4)
	if got := testutil.ToFloat64(queryQueueDepth); got != 4 {
		t.Fatalf("queue depth = %v", got)
	}
}
