package certauth

import (
	"crypto/tls"
	"log/slog"
	"sync"
)

// Cache memoizes minted leaf certificates per server name for the process
// lifetime, per spec.md §4.2: "the cache is unbounded for the process
// lifetime (hosts are few in dev use)" — there is deliberately no TTL or
// eviction here, unlike a cache fronting an auto-rotating CA.
type Cache struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	mint  *Manager
}

// NewCache creates a Cache that mints through mint on miss.
func NewCache(mint *Manager) *Cache {
	return &Cache{certs: make(map[string]*tls.Certificate), mint: mint}
}

// GetCert returns the cached certificate for serverName, minting and
// caching one on first use.
func (c *Cache) GetCert(serverName string) (*tls.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.certs[serverName]
	c.mu.RUnlock()
	if ok {
		return cert, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check: another goroutine may have minted while we waited for
	// the write lock.
	if cert, ok = c.certs[serverName]; ok {
		return cert, nil
	}

	cert, err := c.mint.GenerateCert(serverName)
	if err != nil {
		return nil, err
	}
	c.certs[serverName] = cert
	return cert, nil
}

// Size returns the number of distinct server names currently cached.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.certs)
}

// Reset discards every memoized leaf certificate, forcing the next
// GetCert for any server name to mint a fresh one. Used after the root CA
// is hot-reloaded, since leaves signed by the old CA are no longer valid
// under the new one.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs = make(map[string]*tls.Certificate)
}

// GetCertificateFunc adapts Cache to tls.Config.GetCertificate, keying the
// lookup on the ClientHello's SNI server name.
func (c *Cache) GetCertificateFunc(logger *slog.Logger) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name := hello.ServerName
		if name == "" {
			name = "localhost"
		}
		cert, err := c.GetCert(name)
		if err != nil {
			logger.Error("minting leaf certificate failed", "server_name", name, "error", err)
			return nil, err
		}
		return cert, nil
	}
}
