// Package brain is the client side of the understanding call: an ordered list of
// role-tagged messages goes in, text comes out.
package brain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ent0n29/lostfound/internal/reliability"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Adapter performs one understanding call. The returned text is untrusted.
type Adapter interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Config controls adapter construction.
type Config struct {
	Mode        string
	HTTPURL     string
	FallbackURL string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
	Stream      bool
}

// StatusError is a non-2xx answer from the completion endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

// IsRetryable reports whether the same call may succeed if sent again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return NewMockAdapter(), nil
		}
		return newHTTPChain(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return newHTTPChain(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}

func newHTTPChain(cfg Config) Adapter {
	primary := NewHTTPAdapter(HTTPOptions{
		URL:         cfg.HTTPURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		Temperature: cfg.Temperature,
		Stream:      cfg.Stream,
	})
	// A configured secondary endpoint is used only when the primary fails; there is no
	// silent fallback to the mock.
	if strings.TrimSpace(cfg.FallbackURL) == "" {
		return primary
	}
	secondary := NewHTTPAdapter(HTTPOptions{
		URL:         cfg.FallbackURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		Temperature: cfg.Temperature,
	})
	return NewFallbackAdapter(primary, secondary)
}
