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
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/runlet/pkg/httpclient"
)

// maxDTSBytes caps a fetched declaration bundle.
const maxDTSBytes = 2 << 20

// DTSCache fetches declaration bundles by URL. Concurrent fetches of the
// same URL collapse into one request; results are cached for the life of
// the process, keyed by URL.
type DTSCache struct {
	client *httpclient.Client
	group  singleflight.Group

	mu    sync.RWMutex
	byURL map[string]string
}

// NewDTSCache creates a cache. A nil client gets a default retrying one.
func NewDTSCache(client *httpclient.Client) *DTSCache {
	if client == nil {
		client = httpclient.New()
	}
	return &DTSCache{
		client: client,
		byURL:  make(map[string]string),
	}
}

// Fetch returns the declaration bundle at the given URL.
func (c *DTSCache) Fetch(ctx context.Context, url string) (string, error) {
	c.mu.RLock()
	if body, ok := c.byURL[url]; ok {
		c.mu.RUnlock()
		return body, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(url, func() (any, error) {
		c.mu.RLock()
		if body, ok := c.byURL[url]; ok {
			c.mu.RUnlock()
			return body, nil
		}
		c.mu.RUnlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build declaration request: %w", err)
		}
		req.Header.Set("Accept", "text/plain, */*")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch declarations from %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("declaration fetch %s returned status %d", url, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxDTSBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read declarations from %s: %w", url, err)
		}

		body := string(data)
		c.mu.Lock()
		c.byURL[url] = body
		c.mu.Unlock()
		return body, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
