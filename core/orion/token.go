// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package orion

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenCache stores the broker access token between requests and across
// process restarts. Implementations must be safe for concurrent use
// through the token source, which serializes access.
type TokenCache interface {
	// Read returns the cached token or nil when the cache is empty.
	Read() (*oauth2.Token, error)
	// Write replaces the cached token.
	Write(token *oauth2.Token) error
}

// MemoryTokenCache keeps the token in process memory only.
type MemoryTokenCache struct {
	mutex sync.Mutex
	token *oauth2.Token
}

// Read returns the cached token or nil.
func (c *MemoryTokenCache) Read() (*oauth2.Token, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.token, nil
}

// Write replaces the cached token.
func (c *MemoryTokenCache) Write(token *oauth2.Token) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.token = token
	return nil
}

// FileTokenCache persists the token as a JSON file, so restarts do not
// burn a fresh token grant.
type FileTokenCache struct {
	Path string
}

// Read loads the token file. A missing file is an empty cache, not an error.
func (c *FileTokenCache) Read() (*oauth2.Token, error) {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		// a corrupt cache file is treated as empty
		return nil, nil
	}
	return &token, nil
}

// Write stores the token file with owner-only permissions.
func (c *FileTokenCache) Write(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token cache: %w", err)
	}
	if err := os.WriteFile(c.Path, data, 0600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return nil
}

// NewTokenSource returns an oauth2 token source for the client-credentials
// grant with an injectable cache. A valid cached token is reused; expired
// or missing tokens trigger a fresh grant which is written back to the
// cache.
func NewTokenSource(config *clientcredentials.Config, cache TokenCache) oauth2.TokenSource {
	if cache == nil {
		cache = &MemoryTokenCache{}
	}
	return &cachingTokenSource{
		cache: cache,
		fresh: config.TokenSource(context.Background()),
	}
}

type cachingTokenSource struct {
	mutex sync.Mutex
	cache TokenCache
	fresh oauth2.TokenSource
}

func (s *cachingTokenSource) Token() (*oauth2.Token, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	token, err := s.cache.Read()
	if err == nil && token.Valid() {
		return token, nil
	}

	token, err = s.fresh.Token()
	if err != nil {
		return nil, err
	}
	if err := s.cache.Write(token); err != nil {
		return nil, err
	}
	return token, nil
}
