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

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTSCacheFetchesOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("declare const github: unknown;\n"))
	}))
	defer srv.Close()

	cache := NewDTSCache(nil)

	body, err := cache.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, body, "declare const github")

	again, err := cache.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, body, again)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDTSCacheErrorNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("declare const x: number;\n"))
	}))
	defer srv.Close()

	cache := NewDTSCache(nil)

	_, err := cache.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	body, err := cache.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, body, "declare const x")
}
