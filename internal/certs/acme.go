package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/crypto/acme"
)

// ACMEOptions configures the in-process ACME client.
type ACMEOptions struct {
	DirectoryURL string
	Email        string
	StateDir     string
	CertName     string
	// ValidationAddr is where the HTTP-01 responder listens, normally ":80".
	ValidationAddr string
	// RenewBefore is the remaining validity below which Renew re-issues.
	RenewBefore time.Duration
}

// ACMEClient issues certificates directly against an RFC 8555 CA, answering
// HTTP-01 challenges from a short-lived standalone responder.
type ACMEClient struct {
	fs     afero.Fs
	opts   ACMEOptions
	logger zerolog.Logger
	now    func() time.Time
	listen func(network, addr string) (net.Listener, error)
	http   *http.Client
}

// NewACMEClient creates a new ACMEClient.
func NewACMEClient(fs afero.Fs, opts ACMEOptions, logger zerolog.Logger) *ACMEClient {
	return &ACMEClient{
		fs:     fs,
		opts:   opts,
		logger: logger.With().Str("component", "acme").Logger(),
		now:    time.Now,
		listen: net.Listen,
	}
}

func (a *ACMEClient) dir() string {
	return filepath.Join(a.opts.StateDir, "acme")
}

// LineagePaths returns where issued certificates are kept.
func (a *ACMEClient) LineagePaths() Paths {
	return PathsIn(filepath.Join(a.dir(), "live", a.opts.CertName))
}

func (a *ACMEClient) Obtain(ctx context.Context, subject string) (*Bundle, error) {
	if b, leaf, err := a.lineage(); err == nil && SubjectOf(leaf) == subject && a.now().Before(leaf.NotAfter.Add(-a.opts.RenewBefore)) {
		a.logger.Info().Str("subject", subject).Msg("stored lineage still valid, not re-issuing")
		return b, nil
	}
	return a.issue(ctx, subject)
}

func (a *ACMEClient) Renew(ctx context.Context) (*Bundle, error) {
	b, leaf, err := a.lineage()
	if err != nil {
		return nil, fmt.Errorf("no usable lineage to renew: %w", err)
	}
	remaining := leaf.NotAfter.Sub(a.now())
	if remaining >= a.opts.RenewBefore {
		a.logger.Info().Dur("remaining", remaining).Msg("certificate not yet due for renewal")
		return b, nil
	}
	return a.issue(ctx, SubjectOf(leaf))
}

func (a *ACMEClient) lineage() (*Bundle, *x509.Certificate, error) {
	b, err := ReadBundle(a.fs, a.LineagePaths())
	if err != nil {
		return nil, nil, err
	}
	leaf, err := b.Verify()
	if err != nil {
		return nil, nil, err
	}
	return b, leaf, nil
}

func (a *ACMEClient) issue(ctx context.Context, subject string) (*Bundle, error) {
	accountKey, err := a.accountKey()
	if err != nil {
		return nil, err
	}

	client := &acme.Client{
		Key:          accountKey,
		DirectoryURL: a.opts.DirectoryURL,
		HTTPClient:   a.http,
	}

	acct := &acme.Account{}
	if a.opts.Email != "" {
		acct.Contact = []string{"mailto:" + a.opts.Email}
	}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("register ACME account: %w", err)
	}

	ids := acme.DomainIDs(subject)
	if IsIP(subject) {
		ids = acme.IPIDs(subject)
	}
	order, err := client.AuthorizeOrder(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}

	responder := newHTTP01Responder()
	ln, err := a.listen("tcp", a.opts.ValidationAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for HTTP-01 on %s: %w", a.opts.ValidationAddr, err)
	}
	srv := &http.Server{Handler: responder, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	for _, authzURL := range order.AuthzURLs {
		if err := a.authorize(ctx, client, responder, authzURL); err != nil {
			return nil, err
		}
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("wait order: %w", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate cert key: %w", err)
	}
	req := &x509.CertificateRequest{}
	if ip := net.ParseIP(subject); ip != nil {
		req.IPAddresses = []net.IP{ip}
	} else {
		req.DNSNames = []string{subject}
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, req, certKey)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}

	certDER, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("create order cert: %w", err)
	}

	var chain []byte
	for _, der := range certDER {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshal cert key: %w", err)
	}
	bundle := &Bundle{
		Fullchain: chain,
		Key:       pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}

	if err := install(a.fs, a.LineagePaths(), bundle); err != nil {
		return nil, fmt.Errorf("store lineage: %w", err)
	}
	a.logger.Info().Str("subject", subject).Msg("certificate issued")
	return bundle, nil
}

func (a *ACMEClient) authorize(ctx context.Context, client *acme.Client, responder *http01Responder, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("no http-01 challenge found for %s", authz.Identifier.Value)
	}

	keyAuth, err := client.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return fmt.Errorf("compute key auth: %w", err)
	}
	responder.set(client.HTTP01ChallengePath(challenge.Token), keyAuth)

	if _, err := client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("wait authorization: %w", err)
	}
	return nil
}

// accountKey loads the persisted account key or creates one.
func (a *ACMEClient) accountKey() (*ecdsa.PrivateKey, error) {
	path := filepath.Join(a.dir(), "account.key")
	data, err := afero.ReadFile(a.fs, path)
	if err == nil {
		return parseECKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read account key: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal account key: %w", err)
	}
	if err := a.fs.MkdirAll(a.dir(), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", a.dir(), err)
	}
	if err := afero.WriteFile(a.fs, path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}
	return key, nil
}

func parseECKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode account key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC key: %w", err)
	}
	return key, nil
}

// http01Responder serves key authorizations at their challenge paths.
type http01Responder struct {
	mu        sync.RWMutex
	responses map[string]string
}

func newHTTP01Responder() *http01Responder {
	return &http01Responder{responses: make(map[string]string)}
}

func (h *http01Responder) set(path, keyAuth string) {
	h.mu.Lock()
	h.responses[path] = keyAuth
	h.mu.Unlock()
}

func (h *http01Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	keyAuth, ok := h.responses[r.URL.Path]
	h.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(keyAuth))
}
