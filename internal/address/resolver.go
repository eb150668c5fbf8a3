// Package address discovers the host's externally reachable address, used as
// the certificate subject and in derived configuration.
package address

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/rs/zerolog"
)

const (
	ProviderDigitalOcean = "digitalocean"
	ProviderAWS          = "aws"
	ProviderNone         = "none"

	digitalOceanPublicIPv4 = "http://169.254.169.254/metadata/v1/interfaces/public/0/ipv4/address"
	awsPublicIPv4Path      = "public-ipv4"
)

// Resolver looks up the public address from instance metadata and falls back
// to local interfaces.
type Resolver struct {
	provider    string
	metadataURL string
	override    string
	client      *http.Client
	interfaces  func() ([]net.Addr, error)
	logger      zerolog.Logger
}

// NewResolver creates a new Resolver. A non-empty override is returned as is.
func NewResolver(provider, metadataURL, override string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		provider:    provider,
		metadataURL: metadataURL,
		override:    override,
		client:      &http.Client{Timeout: 5 * time.Second},
		interfaces:  net.InterfaceAddrs,
		logger:      logger.With().Str("component", "address").Logger(),
	}
}

// Resolve returns the public address.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.override != "" {
		return r.override, nil
	}

	addr, err := r.fromMetadata(ctx)
	if err == nil && addr != "" {
		r.logger.Debug().Str("provider", r.provider).Str("address", addr).Msg("address from instance metadata")
		return addr, nil
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("provider", r.provider).Msg("instance metadata unavailable, using local interfaces")
	}

	addr, ierr := r.fromInterfaces()
	if ierr != nil {
		return "", errors.Join(err, ierr)
	}
	return addr, nil
}

func (r *Resolver) fromMetadata(ctx context.Context) (string, error) {
	switch r.provider {
	case ProviderDigitalOcean:
		return r.digitalOcean(ctx)
	case ProviderAWS:
		return r.aws(ctx)
	case ProviderNone, "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown metadata provider %q", r.provider)
	}
}

func (r *Resolver) digitalOcean(ctx context.Context) (string, error) {
	url := r.metadataURL
	if url == "" {
		url = digitalOceanPublicIPv4
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query metadata: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read metadata: %w", err)
	}
	return parseAddress(string(body))
}

func (r *Resolver) aws(ctx context.Context) (string, error) {
	opts := imds.Options{HTTPClient: r.client}
	if r.metadataURL != "" {
		opts.Endpoint = r.metadataURL
	}
	out, err := imds.New(opts).GetMetadata(ctx, &imds.GetMetadataInput{Path: awsPublicIPv4Path})
	if err != nil {
		return "", fmt.Errorf("query imds: %w", err)
	}
	defer out.Content.Close()
	body, err := io.ReadAll(io.LimitReader(out.Content, 256))
	if err != nil {
		return "", fmt.Errorf("read imds: %w", err)
	}
	return parseAddress(string(body))
}

func parseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if net.ParseIP(s) == nil {
		return "", fmt.Errorf("metadata returned %q, not an IP address", s)
	}
	return s, nil
}

// fromInterfaces picks the first public IPv4, or the first global unicast
// IPv4 when only private ones exist.
func (r *Resolver) fromInterfaces() (string, error) {
	addrs, err := r.interfaces()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	var private string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || !ip.IsGlobalUnicast() {
			continue
		}
		if !ip.IsPrivate() {
			return ip.String(), nil
		}
		if private == "" {
			private = ip.String()
		}
	}
	if private != "" {
		return private, nil
	}
	return "", errors.New("no global unicast IPv4 address on any interface")
}
