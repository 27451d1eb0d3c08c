// Package directoryhttp talks to the patient directory over HTTP.
// It returns raw response bodies; classifying them is the lookup layer's job.
package directoryhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/circuitbreaker"
)

const maxBodyBytes = 1 << 20

// Config holds directory client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request, including reading the body
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// DefaultConfig returns defaults for a directory on localhost
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5000",
		Timeout: 5 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("directory"),
	}
}

// Client calls the directory API. Reads go through a circuit breaker;
// only connectivity failures count against it.
type Client struct {
	baseURL string
	http    *http.Client
	reads   *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a directory client
func New(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("directory base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}

	name := cfg.Breaker.Name
	if name == "" {
		name = "directory"
	}
	reads, err := breakers.GetOrCreate(name, cfg.Breaker)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory breaker: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		reads:   reads,
		logger:  logger,
	}, nil
}

// GetPatient fetches the raw patient envelope. The body is returned for any
// status code; an error means the directory could not be reached.
func (c *Client) GetPatient(ctx context.Context, id patient.ID) ([]byte, error) {
	return c.get(ctx, "/patient/"+id.String())
}

// GetLabAnswers fetches the raw lab answer envelope for a patient
func (c *Client) GetLabAnswers(ctx context.Context, id patient.ID) ([]byte, error) {
	return c.get(ctx, "/labanswer/"+id.String())
}

// PutPatient registers a patient. Registering an existing id is a no-op on the
// directory side.
func (c *Client) PutPatient(ctx context.Context, p patient.Patient) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid patient: %w", err)
	}
	return c.post(ctx, "/patient", p)
}

// PutLabAnswer records a lab answer for a patient
func (c *Client) PutLabAnswer(ctx context.Context, id patient.ID, answer lab.Answer) error {
	if err := answer.Validate(); err != nil {
		return fmt.Errorf("invalid lab answer: %w", err)
	}
	return c.post(ctx, "/labanswer/"+id.String(), answer)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	body, err := circuitbreaker.Do(ctx, c.reads, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("directory request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read directory response: %w", err)
		}

		c.logger.Debug("directory response",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, path string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return fmt.Errorf("directory returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
