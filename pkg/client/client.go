package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client talks to the HTTP surface of a foreground `aoctl schedule --listen` run.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig is used when the API sits behind a TLS-terminating proxy.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

const defaultBaseURL = "http://127.0.0.1:8080"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError is returned for any non-200 response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// New creates a new aoctl API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the API answers its health probe
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("API unreachable", "error", err)
		return false
	}
	return true
}

// Status fetches the worker, schedule, and sample state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Eval asks the server to run one evaluation against the worker.
func (c *Client) Eval(ctx context.Context, req EvalRequest) error {
	c.logger.Debug("Submitting eval", "await", req.Await, "timeout_ms", req.TimeoutMS)
	return c.do(ctx, http.MethodPost, "/eval", req, nil)
}

// StartSchedule restarts a stopped schedule.
func (c *Client) StartSchedule(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/schedule/start", nil, nil)
}

// StopSchedule halts the schedule; the server keeps running.
func (c *Client) StopSchedule(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/schedule/stop", nil, nil)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs one request. in is JSON-encoded when non-nil; out receives the
// decoded 200 body when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}
