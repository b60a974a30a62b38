package upstream

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/dnscache"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/cloudauth"
	"github.com/eugener/llmux/internal/keypool"
)

const (
	requestTimeout  = 10 * time.Minute // streams run long
	dnsRefreshEvery = 5 * time.Minute
)

// Clients hands out the HTTP client for an outbound request. One shared
// client serves the header-authenticated services; SigV4-signed Bedrock
// clients are built per key (credentials differ) and cached by key hash.
type Clients struct {
	resolver *dnscache.Resolver
	shared   *http.Client

	mu  sync.Mutex
	aws map[string]*http.Client
	gcp *http.Client // lazily built OAuth client, shared across oauth keys
}

// NewClients builds the client set with a DNS-cached dialer.
func NewClients() *Clients {
	resolver := &dnscache.Resolver{}
	return &Clients{
		resolver: resolver,
		shared: &http.Client{
			Timeout:   requestTimeout,
			Transport: newTransport(resolver),
		},
		aws: make(map[string]*http.Client),
	}
}

// Name returns the worker identifier for the DNS refresh loop.
func (c *Clients) Name() string { return "dns_refresh" }

// Run refreshes the DNS cache until ctx is cancelled, dropping entries that
// no longer resolve.
func (c *Clients) Run(ctx context.Context) error {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}

// For returns the client to use with the given key. Header credentials are
// the mutator's job; only transport-level auth (SigV4) binds a client to a
// specific key.
func (c *Clients) For(key keypool.Snapshot) *http.Client {
	switch key.Service {
	case llmux.ServiceAWS:
	case llmux.ServiceGoogle:
		// Keys marked auth=oauth use the ambient GCP credential chain
		// instead of a ?key= query parameter.
		if key.Meta["auth"] == "oauth" {
			return c.googleOAuth()
		}
		return c.shared
	default:
		return c.shared
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.aws[key.Hash]; ok {
		return client
	}

	region := key.Meta["region"]
	if region == "" {
		region = "us-east-1"
	}
	creds := credsForKey(key.Secret, region)
	client := &http.Client{
		Timeout:   requestTimeout,
		Transport: cloudauth.NewAWSSigV4Transport(newTransport(c.resolver), creds, region, "bedrock"),
	}
	c.aws[key.Hash] = client
	return client
}

// googleOAuth lazily builds the OAuth-authenticated Google client. When no
// ambient credentials exist the shared client is returned and the request
// fails upstream rather than at selection time.
func (c *Clients) googleOAuth() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gcp != nil {
		return c.gcp
	}
	transport, err := cloudauth.NewGCPOAuthTransport(context.Background(), newTransport(c.resolver),
		"https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		slog.Error("gcp credential chain unavailable", "error", err)
		return c.shared
	}
	c.gcp = &http.Client{Timeout: requestTimeout, Transport: transport}
	return c.gcp
}

// credsForKey resolves Bedrock credentials. A secret of the form
// "accessKeyId:secretAccessKey" is used as-is; the literal "default" falls
// back to the ambient credential chain (env, shared config, instance role).
func credsForKey(secret, region string) aws.CredentialsProvider {
	if secret != "default" {
		accessKey, secretKey, _ := strings.Cut(secret, ":")
		return aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		slog.Error("bedrock default credential chain unavailable", "error", err)
		return aws.AnonymousCredentials{}
	}
	return cfg.Credentials
}

// Forget drops any cached client for the key, used when a key is disabled.
func (c *Clients) Forget(hash string) {
	c.mu.Lock()
	delete(c.aws, hash)
	c.mu.Unlock()
}

// newTransport returns a tuned *http.Transport dialing through the shared
// DNS cache.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	return &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}
}
