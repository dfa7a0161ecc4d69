package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
)

const (
	defaultAuthorityTimeout = 10 * time.Second
	timestampsPath          = "/api/v1/timestamps"
	rootsPath               = "/api/v1/roots"
)

// HTTPAuthorityConfig configures the HTTP timestamping client.
type HTTPAuthorityConfig struct {
	// URL is the base URL of the authority (e.g. "https://tsa.example.org").
	URL string `json:"url"`
	// APIKey is sent as a bearer token when set.
	APIKey string `json:"api_key,omitempty"`
	// Timeout sets the per-call HTTP timeout. Default: 10s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HTTPAuthority talks to a remote timestamping authority over its JSON API.
//
// Connection failures and 5xx responses surface as ErrAnchoringUnavailable
// so the worker retries; a 4xx refusal is a *RejectionError, which fails the
// batch terminally and requeues its members.
type HTTPAuthority struct {
	config HTTPAuthorityConfig
	client *http.Client
}

// NewHTTPAuthority creates a client for the authority at cfg.URL.
func NewHTTPAuthority(cfg HTTPAuthorityConfig) *HTTPAuthority {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultAuthorityTimeout
	}
	return &HTTPAuthority{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Root digest.Digest `json:"root"`
}

type submitResponse struct {
	Receipt string `json:"receipt"`
}

// proofResponse is the authority's view of one submitted root.
type proofResponse struct {
	Status     string        `json:"status"`
	Root       digest.Digest `json:"root,omitempty"`
	Receipt    string        `json:"receipt,omitempty"`
	TxID       string        `json:"tx_id,omitempty"`
	AnchoredAt time.Time     `json:"anchored_at,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

type rootResponse struct {
	Root digest.Digest `json:"root"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitRoot registers a root digest with the authority.
func (a *HTTPAuthority) SubmitRoot(ctx context.Context, root digest.Digest) (string, error) {
	payload, err := json.Marshal(submitRequest{Root: root})
	if err != nil {
		return "", fmt.Errorf("anchor: failed to marshal submission: %w", err)
	}

	resp, err := a.do(ctx, http.MethodPost, a.config.URL+timestampsPath, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnchoringUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: malformed submit response: %v", ErrAnchoringUnavailable, err)
		}
		if out.Receipt == "" {
			return "", fmt.Errorf("%w: authority returned no receipt", ErrAnchoringUnavailable)
		}
		return out.Receipt, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &RejectionError{Reason: readErrorBody(resp.Body, resp.StatusCode)}
	default:
		return "", fmt.Errorf("%w: authority returned HTTP %d", ErrAnchoringUnavailable, resp.StatusCode)
	}
}

// FetchProof exchanges a receipt for the matured authority record.
func (a *HTTPAuthority) FetchProof(ctx context.Context, receipt string) (*evidence.AuthorityRecord, error) {
	resp, err := a.do(ctx, http.MethodGet, a.config.URL+timestampsPath+"/"+receipt, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnchoringUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, ErrProofNotReady
	case resp.StatusCode == http.StatusOK:
		var out proofResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: malformed proof response: %v", ErrAnchoringUnavailable, err)
		}
		switch out.Status {
		case "pending":
			return nil, ErrProofNotReady
		case "rejected":
			return nil, &RejectionError{Reason: out.Reason}
		}
		if !out.Root.Valid() {
			return nil, fmt.Errorf("%w: proof carries malformed root %q", ErrAnchoringUnavailable, string(out.Root))
		}
		rec := &evidence.AuthorityRecord{
			Root:       out.Root,
			Receipt:    receipt,
			TxID:       out.TxID,
			AnchoredAt: out.AnchoredAt,
		}
		if out.Receipt != "" {
			rec.Receipt = out.Receipt
		}
		return rec, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &RejectionError{Reason: fmt.Sprintf("authority no longer knows receipt %q", receipt)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &RejectionError{Reason: readErrorBody(resp.Body, resp.StatusCode)}
	default:
		return nil, fmt.Errorf("%w: authority returned HTTP %d", ErrAnchoringUnavailable, resp.StatusCode)
	}
}

// PublicRoot re-fetches the anchored root from the authority's public data.
func (a *HTTPAuthority) PublicRoot(ctx context.Context, record evidence.AuthorityRecord) (digest.Digest, error) {
	key := record.TxID
	if key == "" {
		key = record.Receipt
	}
	if key == "" {
		return "", fmt.Errorf("anchor: authority record carries neither tx id nor receipt")
	}

	resp, err := a.do(ctx, http.MethodGet, a.config.URL+rootsPath+"/"+key, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnchoringUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: public root lookup returned HTTP %d", ErrAnchoringUnavailable, resp.StatusCode)
	}
	var out rootResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: malformed public root response: %v", ErrAnchoringUnavailable, err)
	}
	if !out.Root.Valid() {
		return "", fmt.Errorf("%w: public root %q is malformed", ErrAnchoringUnavailable, string(out.Root))
	}
	return out.Root, nil
}

func (a *HTTPAuthority) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	return a.client.Do(req)
}

// readErrorBody extracts the authority's reason string, falling back to the
// status code.
func readErrorBody(r io.Reader, status int) string {
	var out errorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&out); err == nil && out.Error != "" {
		return out.Error
	}
	return fmt.Sprintf("HTTP %d", status)
}
