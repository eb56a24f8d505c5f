package certauth

import (
	"crypto/tls"
	"sync"
	"testing"
)

func TestCacheGetCertMintsOnceThenCaches(t *testing.T) {
	cfg := writeTestCA(t)
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCache(m)

	cert1, err := c.GetCert("a.example.com")
	if err != nil {
		t.Fatal(err)
	}
	cert2, err := c.GetCert("a.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if cert1 != cert2 {
		t.Error("expected the same cached *tls.Certificate pointer on a hit")
	}
	if c.Size() != 1 {
		t.Errorf("size = %d, want 1", c.Size())
	}
}

func TestCacheGetCertDistinctNamesDistinctCerts(t *testing.T) {
	cfg := writeTestCA(t)
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCache(m)

	a, err := c.GetCert("a.example.com")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.GetCert("b.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if a.Leaf.Subject.CommonName == b.Leaf.Subject.CommonName {
		t.Error("expected distinct leaf certs for distinct server names")
	}
	if c.Size() != 2 {
		t.Errorf("size = %d, want 2", c.Size())
	}
}

func TestCacheGetCertConcurrentSameNameMintsOnce(t *testing.T) {
	cfg := writeTestCA(t)
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCache(m)

	var wg sync.WaitGroup
	results := make([]*struct {
		cn string
	}, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := c.GetCert("concurrent.example.com")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = &struct{ cn string }{cert.Leaf.Subject.CommonName}
		}(i)
	}
	wg.Wait()

	if c.Size() != 1 {
		t.Errorf("size = %d, want 1 after concurrent access to one name", c.Size())
	}
}

func TestGetCertificateFuncDefaultsEmptySNIToLocalhost(t *testing.T) {
	cfg := writeTestCA(t)
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCache(m)
	fn := c.GetCertificateFunc(nil)

	cert, err := fn(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN = %q, want localhost", cert.Leaf.Subject.CommonName)
	}
}
