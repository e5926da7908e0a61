// Copyright 2026 The tasktime Authors
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

package cli

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	got := parseParams([]string{"region=eu-west", "count=3", "dry_run=true", "empty="})
	assert.Equal(t, map[string]any{
		"region":  "eu-west",
		"count":   float64(3),
		"dry_run": true,
		"empty":   "",
	}, got)
}

func TestClientSurfacesDetailErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "job not found"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Get("/api/jobs/ghost", nil)
	require.Error(t, err)
	assert.Equal(t, "job not found", err.Error())
}

func TestClientDecodesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dashboard/summary", r.URL.Path)
		w.Write([]byte(`{"total_jobs": 4}`))
	}))
	defer srv.Close()

	var out map[string]int
	require.NoError(t, NewClient(srv.URL).Get("/api/dashboard/summary", &out))
	assert.Equal(t, 4, out["total_jobs"])
}
