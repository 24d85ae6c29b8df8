// Package objstore provides ports.Store implementations. IPFSStore
// adapts the teacher's ipfs.IPFSService — connection pooling, retry with
// backoff, Shell.Add/Cat — to the simple path-addressed Put/Get/Delete/
// List contract the core expects, keeping its own path->CID index since
// IPFS is content-addressed and the core wants stable logical paths like
// "matches/{match_id}.json".
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// ipfsClient mirrors the teacher's IPFSClient: one *shell.Shell plus
// retry bookkeeping.
type ipfsClient struct {
	sh         *shell.Shell
	maxRetries int
}

func newIPFSClient(apiURL string) *ipfsClient {
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(30 * time.Second)
	return &ipfsClient{sh: sh, maxRetries: 3}
}

func (c *ipfsClient) executeWithRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < c.maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
		}
	}
	return fmt.Errorf("objstore: operation failed after %d attempts: %w", c.maxRetries, err)
}

// IPFSStore is a ports.Store backed by an IPFS node, with a connection
// pool the same shape as the teacher's IPFSService.
type IPFSStore struct {
	poolMu     sync.Mutex
	pool       []*ipfsClient
	poolSize   int
	apiURL     string
	gatewayURL string

	indexMu sync.RWMutex
	index   map[string]string // logical path -> CID
}

// NewIPFSStore builds a pooled IPFS-backed store.
func NewIPFSStore(apiURL, gatewayURL string, poolSize int) *IPFSStore {
	if poolSize <= 0 {
		poolSize = 5
	}
	pool := make([]*ipfsClient, poolSize)
	for i := range pool {
		pool[i] = newIPFSClient(apiURL)
	}
	return &IPFSStore{
		pool:       pool,
		poolSize:   poolSize,
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		index:      make(map[string]string),
	}
}

func (s *IPFSStore) getClient() *ipfsClient {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if len(s.pool) == 0 {
		return newIPFSClient(s.apiURL)
	}
	c := s.pool[len(s.pool)-1]
	s.pool = s.pool[:len(s.pool)-1]
	return c
}

func (s *IPFSStore) releaseClient(c *ipfsClient) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if len(s.pool) < s.poolSize {
		s.pool = append(s.pool, c)
	}
}

func (s *IPFSStore) Put(_ context.Context, path string, data []byte) error {
	client := s.getClient()
	defer s.releaseClient(client)

	var cid string
	err := client.executeWithRetry(func() error {
		var uploadErr error
		cid, uploadErr = client.sh.Add(bytes.NewReader(data))
		return uploadErr
	})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", path, err)
	}

	s.indexMu.Lock()
	s.index[path] = cid
	s.indexMu.Unlock()
	return nil
}

func (s *IPFSStore) Get(_ context.Context, path string) ([]byte, bool, error) {
	s.indexMu.RLock()
	cid, ok := s.index[path]
	s.indexMu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	client := s.getClient()
	defer s.releaseClient(client)

	var data []byte
	err := client.executeWithRetry(func() error {
		r, catErr := client.sh.Cat(cid)
		if catErr != nil {
			return catErr
		}
		defer r.Close()
		b, readErr := io.ReadAll(r)
		if readErr != nil {
			return readErr
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("objstore: get %s: %w", path, err)
	}
	return data, true, nil
}

func (s *IPFSStore) Delete(_ context.Context, path string) error {
	s.indexMu.Lock()
	delete(s.index, path)
	s.indexMu.Unlock()
	return nil
}

func (s *IPFSStore) List(_ context.Context, prefix string) ([]string, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	out := make([]string, 0)
	for path := range s.index {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GatewayURL returns the public URL for a path previously Put, suitable
// for MatchRecord.Storage.HotURL (spec §4.6.5 step 7).
func (s *IPFSStore) GatewayURL(path string) (string, bool) {
	s.indexMu.RLock()
	cid, ok := s.index[path]
	s.indexMu.RUnlock()
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s/ipfs/%s", strings.TrimRight(s.gatewayURL, "/"), cid), true
}
