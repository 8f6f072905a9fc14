// Package apns contains the APNS delivery worker and the feedback
// reconciliation task.
package apns

import (
	"fmt"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
)

// idleRefresh is how long a connection may sit unused before the next job
// rebuilds it. APNS silently drops long-idle connections; refreshing avoids
// sending a whole batch into a dead socket.
const idleRefresh = 5 * time.Minute

// Client defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type Client interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// ClientProvider hands the worker a ready gateway client per job.
type ClientProvider interface {
	Client() (Client, error)
}

// CertProvider maintains a certificate-based client, selecting the sandbox
// gateway in debug mode and production otherwise, and refreshing the
// connection when idle longer than idleRefresh.
type CertProvider struct {
	certFile string
	sandbox  bool

	mu       sync.Mutex
	client   *apns2.Client
	lastUsed time.Time
}

// NewCertProvider parses nothing up front; the certificate is loaded on first
// use so a worker for a disabled platform can start without cert files.
func NewCertProvider(certFile string, sandbox bool) *CertProvider {
	return &CertProvider{certFile: certFile, sandbox: sandbox}
}

func (p *CertProvider) Client() (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil || time.Since(p.lastUsed) > idleRefresh {
		cert, err := certificate.FromPemFile(p.certFile, "")
		if err != nil {
			return nil, fmt.Errorf("load APNS certificate %s: %w", p.certFile, err)
		}
		client := apns2.NewClient(cert)
		if p.sandbox {
			client = client.Development()
		} else {
			client = client.Production()
		}
		p.client = client
	}
	p.lastUsed = time.Now()
	return p.client, nil
}
