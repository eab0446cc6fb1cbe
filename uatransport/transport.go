// Copyright 2025 Edgeo SCADA
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

// Package uatransport runs a uasession.Session over a gopcua secure
// channel. gopcua owns the binary encoding, the channel handshake and the
// session signatures; the session layer above drives every service itself.
package uatransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uasc"

	"github.com/edgeo-scada/uasession"
)

// Defaults.
const (
	DefaultRequestTimeout = 2 * time.Minute
	DefaultDialTimeout    = 10 * time.Second
	DefaultApplicationURI = "urn:edgeo-scada:uasession"
	DefaultProductURI     = "urn:edgeo-scada:uasession"
)

// ErrUnexpectedResponse is returned when the server answers with another
// response type than the request expects.
var ErrUnexpectedResponse = errors.New("uatransport: unexpected response")

type config struct {
	endpoint       string
	securityPolicy string
	securityMode   string
	certFile       string
	keyFile        string
	applicationURI string
	productURI     string
	requestTimeout time.Duration
	dialTimeout    time.Duration
	discover       bool
	logger         *slog.Logger
}

// Option is a functional option for configuring the transport.
type Option func(*config)

// WithSecurityPolicy sets the channel security policy by name: None,
// Basic128Rsa15, Basic256, Basic256Sha256, Aes128Sha256RsaOaep or
// Aes256Sha256RsaPss.
func WithSecurityPolicy(policy string) Option {
	return func(c *config) {
		c.securityPolicy = policy
	}
}

// WithSecurityMode sets the message security mode: None, Sign or
// SignAndEncrypt.
func WithSecurityMode(mode string) Option {
	return func(c *config) {
		c.securityMode = mode
	}
}

// WithCertificateFiles sets the PEM encoded client certificate and key.
func WithCertificateFiles(certFile, keyFile string) Option {
	return func(c *config) {
		c.certFile = certFile
		c.keyFile = keyFile
	}
}

// WithApplicationURI sets the application URI sent with CreateSession. It
// must match the certificate when security is enabled.
func WithApplicationURI(uri string) Option {
	return func(c *config) {
		c.applicationURI = uri
	}
}

// WithRequestTimeout bounds a single request on the channel. It should be
// larger than the longest publish keep-alive period.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

// WithDialTimeout bounds endpoint discovery and the channel handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// WithEndpointDiscovery selects the channel settings and user token
// policies from the server's GetEndpoints answer.
func WithEndpointDiscovery(enabled bool) Option {
	return func(c *config) {
		c.discover = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(endpoint string, opts []Option) (*config, error) {
	c := &config{
		endpoint:       endpoint,
		securityPolicy: "None",
		securityMode:   "None",
		applicationURI: DefaultApplicationURI,
		productURI:     DefaultProductURI,
		requestTimeout: DefaultRequestTimeout,
		dialTimeout:    DefaultDialTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", uasession.ErrInvalidConfiguration)
	}
	policy, err := policyURI(c.securityPolicy)
	if err != nil {
		return nil, err
	}
	mode, err := securityMode(c.securityMode)
	if err != nil {
		return nil, err
	}
	if (c.certFile == "") != (c.keyFile == "") {
		return nil, fmt.Errorf("%w: certificate and key must be set together", uasession.ErrInvalidConfiguration)
	}
	if !c.discover {
		if mode != ua.MessageSecurityModeNone && policy == ua.SecurityPolicyURINone {
			return nil, fmt.Errorf("%w: security mode %s requires a security policy other than None",
				uasession.ErrInvalidConfiguration, c.securityMode)
		}
		if policy != ua.SecurityPolicyURINone && c.certFile == "" {
			return nil, fmt.Errorf("%w: security policy %s", uasession.ErrCertificateRequired, c.securityPolicy)
		}
	}
	return c, nil
}

// Transport implements uasession.Transport and uasession.Reconnector on a
// gopcua client.
type Transport struct {
	cfg    *config
	logger *slog.Logger

	mu         sync.Mutex
	client     *opcua.Client
	endpoint   *ua.EndpointDescription
	session    *opcua.Session
	sessionCfg *uasc.SessionConfig
	sessionID  uasession.NodeID
}

// NewDialer validates the options and returns a dialer that opens a new
// secure channel to endpoint on every call.
func NewDialer(endpoint string, opts ...Option) (uasession.Dialer, error) {
	cfg, err := newConfig(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (uasession.Transport, error) {
		return dial(ctx, cfg)
	}, nil
}

// Dial opens a secure channel to endpoint.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Transport, error) {
	cfg, err := newConfig(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return dial(ctx, cfg)
}

func dial(ctx context.Context, cfg *config) (*Transport, error) {
	t := &Transport{
		cfg:    cfg,
		logger: cfg.logger.With(slog.String("endpoint", cfg.endpoint)),
	}
	c, ep, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	t.client = c
	t.endpoint = ep
	return t, nil
}

// connect builds a client and opens its channel without creating a session.
func (t *Transport) connect(ctx context.Context) (*opcua.Client, *ua.EndpointDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.dialTimeout)
	defer cancel()

	opts := []opcua.Option{
		opcua.RequestTimeout(t.cfg.requestTimeout),
		opcua.ApplicationURI(t.cfg.applicationURI),
		opcua.AutoReconnect(false),
	}

	var ep *ua.EndpointDescription
	if t.cfg.discover {
		endpoints, err := opcua.GetEndpoints(ctx, t.cfg.endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("get endpoints: %w", mapError(err))
		}
		ep = selectEndpoint(endpoints, t.cfg.securityPolicy, t.cfg.securityMode)
		if ep == nil {
			return nil, nil, fmt.Errorf("%w: no endpoint for policy=%s mode=%s",
				uasession.ErrInvalidConfiguration, t.cfg.securityPolicy, t.cfg.securityMode)
		}
		if ep.SecurityPolicyURI != ua.SecurityPolicyURINone && t.cfg.certFile == "" {
			return nil, nil, fmt.Errorf("%w: endpoint requires %s", uasession.ErrCertificateRequired, ep.SecurityPolicyURI)
		}
		t.logger.Debug("endpoint selected",
			slog.String("policy", ep.SecurityPolicyURI),
			slog.String("mode", securityModeName(ep.SecurityMode)))
		opts = append(opts, opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeAnonymous))
	} else {
		policy, _ := policyURI(t.cfg.securityPolicy)
		if policy != ua.SecurityPolicyURINone {
			opts = append(opts,
				opcua.SecurityPolicy(policy),
				opcua.SecurityModeString(t.cfg.securityMode))
		}
	}
	if t.cfg.certFile != "" {
		opts = append(opts,
			opcua.CertificateFile(t.cfg.certFile),
			opcua.PrivateKeyFile(t.cfg.keyFile))
	}

	c, err := opcua.NewClient(t.cfg.endpoint, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.Dial(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, nil, fmt.Errorf("open secure channel: %w", mapError(err))
	}
	t.logger.Debug("secure channel open")
	return c, ep, nil
}

func (t *Transport) activeClient() (*opcua.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, uasession.ErrNotConnected
	}
	return t.client, nil
}

// send runs one service call and checks the service result.
func send[T ua.Response](ctx context.Context, t *Transport, req ua.Request) (T, error) {
	var out T
	c, err := t.activeClient()
	if err != nil {
		return out, err
	}
	got := false
	err = c.Send(ctx, req, func(v interface{}) error {
		r, ok := v.(T)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedResponse, v)
		}
		out, got = r, true
		return nil
	})
	if err != nil {
		return out, mapError(err)
	}
	if !got {
		return out, ErrUnexpectedResponse
	}
	if h := out.Header(); h != nil && uasession.StatusCode(h.ServiceResult).IsBad() {
		return out, uasession.StatusCode(h.ServiceResult)
	}
	return out, nil
}

// CreateSession creates the server session. gopcua does not expose the
// server assigned session id, so the transport reports a GUID node id of
// its own that identifies the session for the layer above.
func (t *Transport) CreateSession(ctx context.Context, req *uasession.CreateSessionRequest) (*uasession.CreateSessionResponse, error) {
	c, err := t.activeClient()
	if err != nil {
		return nil, err
	}
	appURI := req.ApplicationURI
	if appURI == "" {
		appURI = t.cfg.applicationURI
	}
	cfg := &uasc.SessionConfig{
		SessionTimeout: req.RequestedTimeout,
		ClientDescription: &ua.ApplicationDescription{
			ApplicationURI:  appURI,
			ProductURI:      t.cfg.productURI,
			ApplicationName: ua.NewLocalizedText(req.SessionName),
			ApplicationType: ua.ApplicationTypeClient,
		},
		UserIdentityToken: &ua.AnonymousIdentityToken{PolicyID: t.policyID(ua.UserTokenTypeAnonymous, "")},
		AuthPolicyURI:     ua.SecurityPolicyURINone,
	}
	s, err := c.CreateSession(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}

	id := uasession.NodeID{Type: uasession.NodeIDTypeGUID, Namespace: 1, GUID: uuid.New()}
	t.mu.Lock()
	t.session = s
	t.sessionCfg = cfg
	t.sessionID = id
	t.mu.Unlock()

	t.logger.Debug("session created",
		slog.String("session_id", id.Text()),
		slog.Duration("revised_timeout", s.RevisedTimeout()))
	return &uasession.CreateSessionResponse{
		Header:              uasession.ResponseHeader{Timestamp: time.Now(), RequestHandle: req.Header.RequestHandle},
		SessionID:           id,
		AuthenticationToken: id,
		RevisedTimeout:      s.RevisedTimeout(),
	}, nil
}

// ActivateSession activates the session created on this transport, or the
// session carried over by Reconnect, with the requested identity.
func (t *Transport) ActivateSession(ctx context.Context, req *uasession.ActivateSessionRequest) (*uasession.ActivateSessionResponse, error) {
	t.mu.Lock()
	c, s, cfg, id := t.client, t.session, t.sessionCfg, t.sessionID
	t.mu.Unlock()
	if c == nil {
		return nil, uasession.ErrNotConnected
	}
	if s == nil || cfg == nil || !id.Equal(req.SessionID) {
		return nil, uasession.StatusBadSessionIdInvalid
	}

	if err := t.applyIdentity(cfg, req.Identity); err != nil {
		return nil, err
	}
	cfg.LocaleIDs = req.Locales
	if err := c.ActivateSession(ctx, s); err != nil {
		return nil, mapError(err)
	}
	t.logger.Debug("session activated", slog.String("session_id", id.Text()))
	return &uasession.ActivateSessionResponse{
		Header: uasession.ResponseHeader{Timestamp: time.Now(), RequestHandle: req.Header.RequestHandle},
	}, nil
}

func (t *Transport) applyIdentity(cfg *uasc.SessionConfig, id uasession.UserIdentity) error {
	switch id.Type {
	case uasession.IdentityAnonymous:
		cfg.UserIdentityToken = &ua.AnonymousIdentityToken{PolicyID: t.policyID(ua.UserTokenTypeAnonymous, id.PolicyID)}
		cfg.AuthPolicyURI = ua.SecurityPolicyURINone
		cfg.AuthPassword = ""
	case uasession.IdentityUserName:
		cfg.UserIdentityToken = &ua.UserNameIdentityToken{
			PolicyID: t.policyID(ua.UserTokenTypeUserName, id.PolicyID),
			UserName: id.UserName,
		}
		cfg.AuthPolicyURI = t.tokenSecurityPolicy(ua.UserTokenTypeUserName)
		cfg.AuthPassword = id.Password
	case uasession.IdentityCertificate:
		if len(id.Certificate) == 0 {
			return fmt.Errorf("%w: certificate identity without certificate", uasession.ErrCertificateRequired)
		}
		cfg.UserIdentityToken = &ua.X509IdentityToken{
			PolicyID:        t.policyID(ua.UserTokenTypeCertificate, id.PolicyID),
			CertificateData: id.Certificate,
		}
		cfg.AuthPolicyURI = t.tokenSecurityPolicy(ua.UserTokenTypeCertificate)
	default:
		return fmt.Errorf("%w: identity type %d", uasession.ErrInvalidConfiguration, id.Type)
	}
	return nil
}

// policyID picks the server's policy id for a token type when discovery
// ran, else the conventional one.
func (t *Transport) policyID(kind ua.UserTokenType, requested string) string {
	if requested != "" {
		return requested
	}
	if p := t.tokenPolicy(kind); p != nil {
		return p.PolicyID
	}
	switch kind {
	case ua.UserTokenTypeUserName:
		return "UserName"
	case ua.UserTokenTypeCertificate:
		return "Certificate"
	default:
		return "Anonymous"
	}
}

func (t *Transport) tokenSecurityPolicy(kind ua.UserTokenType) string {
	if p := t.tokenPolicy(kind); p != nil && p.SecurityPolicyURI != "" {
		return p.SecurityPolicyURI
	}
	t.mu.Lock()
	ep := t.endpoint
	t.mu.Unlock()
	if ep != nil && ep.SecurityPolicyURI != "" {
		return ep.SecurityPolicyURI
	}
	policy, err := policyURI(t.cfg.securityPolicy)
	if err != nil {
		return ua.SecurityPolicyURINone
	}
	return policy
}

func (t *Transport) tokenPolicy(kind ua.UserTokenType) *ua.UserTokenPolicy {
	t.mu.Lock()
	ep := t.endpoint
	t.mu.Unlock()
	if ep == nil {
		return nil
	}
	for _, p := range ep.UserIdentityTokens {
		if p != nil && p.TokenType == kind {
			return p
		}
	}
	return nil
}

// CloseSession closes the server session and detaches it from the channel.
func (t *Transport) CloseSession(ctx context.Context, req *uasession.CloseSessionRequest) error {
	_, err := send[*ua.CloseSessionResponse](ctx, t, &ua.CloseSessionRequest{
		DeleteSubscriptions: req.DeleteSubscriptions,
	})
	t.detach(ctx)
	return err
}

func (t *Transport) detach(ctx context.Context) *opcua.Session {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	s, err := c.DetachSession(ctx)
	if err != nil {
		t.logger.Debug("detach session failed", slog.String("error", err.Error()))
	}
	return s
}

// Reconnect opens a new secure channel and keeps the current session so
// that the next ActivateSession binds it to the new channel.
func (t *Transport) Reconnect(ctx context.Context) error {
	s := t.detach(ctx)
	t.mu.Lock()
	old := t.client
	t.client = nil
	if s != nil {
		t.session = s
	}
	t.mu.Unlock()
	if old != nil {
		if err := old.Close(ctx); err != nil {
			t.logger.Debug("closing previous channel failed", slog.String("error", err.Error()))
		}
	}

	c, ep, err := t.connect(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.client = c
	if ep != nil {
		t.endpoint = ep
	}
	t.mu.Unlock()
	t.logger.Info("secure channel re-established")
	return nil
}

// Close releases the channel without closing the server session.
func (t *Transport) Close(ctx context.Context) error {
	t.detach(ctx)
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.session = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

// selectEndpoint picks the endpoint matching policy and mode. Without a
// policy the most secure endpoint wins.
func selectEndpoint(endpoints []*ua.EndpointDescription, policy, mode string) *ua.EndpointDescription {
	targetURI := ""
	if policy != "" {
		uri, err := policyURI(policy)
		if err != nil {
			return nil
		}
		targetURI = uri
	}
	targetMode, err := securityMode(mode)
	if err != nil {
		return nil
	}

	if targetURI == "" {
		var best *ua.EndpointDescription
		for _, ep := range endpoints {
			if best == nil || ep.SecurityLevel > best.SecurityLevel {
				best = ep
			}
		}
		return best
	}
	var fallback *ua.EndpointDescription
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI != targetURI {
			continue
		}
		if ep.SecurityMode == targetMode {
			return ep
		}
		if fallback == nil {
			fallback = ep
		}
	}
	return fallback
}

func policyURI(name string) (string, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return ua.SecurityPolicyURINone, nil
	case "basic128rsa15":
		return ua.SecurityPolicyURIBasic128Rsa15, nil
	case "basic256":
		return ua.SecurityPolicyURIBasic256, nil
	case "basic256sha256":
		return ua.SecurityPolicyURIBasic256Sha256, nil
	case "aes128sha256rsaoaep", "aes128sha256":
		return ua.SecurityPolicyURIAes128Sha256RsaOaep, nil
	case "aes256sha256rsapss", "aes256sha256":
		return ua.SecurityPolicyURIAes256Sha256RsaPss, nil
	}
	return "", fmt.Errorf("%w: unknown security policy %q", uasession.ErrInvalidConfiguration, name)
}

func securityMode(name string) (ua.MessageSecurityMode, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return ua.MessageSecurityModeNone, nil
	case "sign":
		return ua.MessageSecurityModeSign, nil
	case "signandencrypt", "sign_and_encrypt":
		return ua.MessageSecurityModeSignAndEncrypt, nil
	}
	return ua.MessageSecurityModeInvalid, fmt.Errorf("%w: unknown security mode %q", uasession.ErrInvalidConfiguration, name)
}

func securityModeName(m ua.MessageSecurityMode) string {
	switch m {
	case ua.MessageSecurityModeNone:
		return "None"
	case ua.MessageSecurityModeSign:
		return "Sign"
	case ua.MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	}
	return "Invalid"
}

var (
	_ uasession.Transport   = (*Transport)(nil)
	_ uasession.Reconnector = (*Transport)(nil)
)
