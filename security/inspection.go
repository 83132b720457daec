package security

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Rejection reasons reported by the inspector.
const (
	ReasonMethodNotAllowed      = "method not allowed"
	ReasonPathNotAllowed        = "path not allowed"
	ReasonPathDenied            = "path denied"
	ReasonContentTypeNotAllowed = "content-type not allowed"
	ReasonHeadersTooLarge       = "headers too large"
	ReasonBodyTooLarge          = "body too large"
	ReasonSuspiciousContent     = "suspicious content"
)

// ErrBlocked is wrapped by every InspectionError.
var ErrBlocked = errors.New("request blocked")

// InspectionError reports why a request was rejected.
type InspectionError struct {
	Reason string
}

func (e *InspectionError) Error() string { return "blocked: " + e.Reason }

// Unwrap returns ErrBlocked.
func (e *InspectionError) Unwrap() error { return ErrBlocked }

var suspiciousPatterns = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("data:"),
	[]byte("onerror="),
	[]byte("onload="),
	{0x00},
}

// Limits caps the size of inbound requests.
type Limits struct {
	MaxHeaderBytes int `json:"max_headers_bytes" yaml:"max_headers_bytes"`
	MaxBodyBytes   int `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// InboundPolicy is evaluated before any handler runs.
type InboundPolicy struct {
	AllowedMethods      []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedPathPrefixes []string `json:"allowed_path_prefixes" yaml:"allowed_path_prefixes"`
	DeniedPathPrefixes  []string `json:"denied_path_prefixes" yaml:"denied_path_prefixes"`
	AllowedContentTypes []string `json:"allowed_content_types" yaml:"allowed_content_types"`
	BlockSuspicious     bool     `json:"block_suspicious" yaml:"block_suspicious"`
	Limits              Limits   `json:"limits" yaml:"limits"`
}

// DefaultInboundPolicy allows GET and POST on every path except /internal
// and /admin, with 32 KiB of headers and 512 KiB of body.
func DefaultInboundPolicy() InboundPolicy {
	return InboundPolicy{
		AllowedMethods:      []string{http.MethodGet, http.MethodPost},
		AllowedPathPrefixes: []string{"/"},
		DeniedPathPrefixes:  []string{"/internal", "/admin"},
		AllowedContentTypes: []string{"application/json", "text/plain", "application/x-www-form-urlencoded"},
		BlockSuspicious:     true,
		Limits: Limits{
			MaxHeaderBytes: 32 * 1024,
			MaxBodyBytes:   512 * 1024,
		},
	}
}

// Validate rejects policies that would block everything or carry bad values.
func (p InboundPolicy) Validate() error {
	if len(p.AllowedMethods) == 0 {
		return fmt.Errorf("at least one allowed method is required")
	}
	if len(p.AllowedPathPrefixes) == 0 {
		return fmt.Errorf("at least one allowed path prefix is required")
	}
	for _, prefix := range append(append([]string(nil), p.AllowedPathPrefixes...), p.DeniedPathPrefixes...) {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("path prefix %q must start with '/'", prefix)
		}
	}
	if p.Limits.MaxHeaderBytes <= 0 || p.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	return nil
}

// normalize upper-cases methods and lower-cases content types.
func (p InboundPolicy) normalize() InboundPolicy {
	out := p
	out.AllowedMethods = make([]string, len(p.AllowedMethods))
	for i, m := range p.AllowedMethods {
		out.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	out.AllowedContentTypes = make([]string, len(p.AllowedContentTypes))
	for i, ct := range p.AllowedContentTypes {
		out.AllowedContentTypes[i] = strings.ToLower(strings.TrimSpace(ct))
	}
	return out
}

// EffectiveLimits shrinks the limits as risk rises: halved at 80 and above,
// three quarters at 50 and above.
func (p InboundPolicy) EffectiveLimits(risk int) Limits {
	l := p.Limits
	switch {
	case risk >= 80:
		l.MaxHeaderBytes /= 2
		l.MaxBodyBytes /= 2
	case risk >= 50:
		l.MaxHeaderBytes = l.MaxHeaderBytes * 3 / 4
		l.MaxBodyBytes = l.MaxBodyBytes * 3 / 4
	}
	return l
}

// InspectedRequest is the view of a request the policy evaluates.
type InspectedRequest struct {
	Method      string
	Path        string
	ContentType string
	HeaderBytes int
	Body        []byte
}

// Check evaluates req at the given risk.
func (p InboundPolicy) Check(req InspectedRequest, risk int) error {
	if !containsFold(p.AllowedMethods, req.Method) {
		return &InspectionError{Reason: ReasonMethodNotAllowed}
	}
	if !hasAnyPrefix(req.Path, p.AllowedPathPrefixes) {
		return &InspectionError{Reason: ReasonPathNotAllowed}
	}
	if hasAnyPrefix(req.Path, p.DeniedPathPrefixes) {
		return &InspectionError{Reason: ReasonPathDenied}
	}
	if req.ContentType != "" && !hasAnyPrefix(strings.ToLower(req.ContentType), p.AllowedContentTypes) {
		return &InspectionError{Reason: ReasonContentTypeNotAllowed}
	}

	limits := p.EffectiveLimits(risk)
	if req.HeaderBytes > limits.MaxHeaderBytes {
		return &InspectionError{Reason: ReasonHeadersTooLarge}
	}
	if len(req.Body) > limits.MaxBodyBytes {
		return &InspectionError{Reason: ReasonBodyTooLarge}
	}
	if p.BlockSuspicious && len(ScanSuspicious(req.Body)) > 0 {
		return &InspectionError{Reason: ReasonSuspiciousContent}
	}
	return nil
}

// ScanSuspicious returns the suspicious patterns found in body, case-insensitively.
func ScanSuspicious(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	lower := bytes.ToLower(body)
	var found []string
	for _, pat := range suspiciousPatterns {
		if bytes.Contains(lower, pat) {
			if pat[0] == 0 {
				found = append(found, "NUL")
				continue
			}
			found = append(found, string(pat))
		}
	}
	return found
}

// HeaderSize approximates the wire size of h.
func HeaderSize(h http.Header) int {
	n := 0
	for name, values := range h {
		for _, v := range values {
			n += len(name) + len(v) + 4
		}
	}
	return n
}

// Fingerprint returns the hex SHA-256 of the canonical header block, a blank
// line and the body. Headers are serialized sorted by name.
func Fingerprint(h http.Header, body []byte) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	sum := sha256.New()
	for _, name := range names {
		for _, v := range h[name] {
			_, _ = fmt.Fprintf(sum, "%s: %s\n", strings.ToLower(name), v)
		}
	}
	_, _ = sum.Write([]byte("\n\n"))
	_, _ = sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// Inspector applies the current inbound policy. The policy can be replaced
// at runtime.
type Inspector struct {
	mu     sync.RWMutex
	policy InboundPolicy
	risk   RiskSource
	logger *slog.Logger
}

// NewInspector creates an inspector with policy.
func NewInspector(policy InboundPolicy, risk RiskSource, logger *slog.Logger) (*Inspector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inbound policy: %w", err)
	}
	return &Inspector{policy: policy.normalize(), risk: risk, logger: logger}, nil
}

// Policy returns the active policy.
func (i *Inspector) Policy() InboundPolicy {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.policy
}

// SetPolicy validates and installs p.
func (i *Inspector) SetPolicy(p InboundPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid inbound policy: %w", err)
	}
	i.mu.Lock()
	i.policy = p.normalize()
	i.mu.Unlock()
	i.logger.Info("Inbound policy updated",
		"methods", p.AllowedMethods,
		"max_header_bytes", p.Limits.MaxHeaderBytes,
		"max_body_bytes", p.Limits.MaxBodyBytes)
	return nil
}

// EffectiveLimits returns the limits at the current risk.
func (i *Inspector) EffectiveLimits() Limits {
	return i.Policy().EffectiveLimits(i.currentRisk())
}

// Inspect checks req against the policy at the current risk.
func (i *Inspector) Inspect(req InspectedRequest) error {
	return i.Policy().Check(req, i.currentRisk())
}

func (i *Inspector) currentRisk() int {
	if i.risk == nil {
		return 0
	}
	return i.risk.CurrentRisk()
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(v string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}
