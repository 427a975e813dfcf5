package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtectionScheme discriminates the content-protection variant of a task.
type ProtectionScheme string

const (
	// ProtectionNone marks an unprotected source; decrypt is a pass-through.
	ProtectionNone ProtectionScheme = "none"
	// ProtectionCBC marks AES-CBC protection with a directly supplied key/iv.
	ProtectionCBC ProtectionScheme = "cbc"
	// ProtectionDRM marks DRM-wrapped content whose key must be resolved
	// through the injected key resolver.
	ProtectionDRM ProtectionScheme = "drm"
)

// ParseProtectionScheme converts a string into a known ProtectionScheme.
func ParseProtectionScheme(value string) (ProtectionScheme, bool) {
	switch ProtectionScheme(strings.ToLower(strings.TrimSpace(value))) {
	case ProtectionNone, "":
		return ProtectionNone, true
	case ProtectionCBC:
		return ProtectionCBC, true
	case ProtectionDRM:
		return ProtectionDRM, true
	default:
		return "", false
	}
}

// Protection is the tagged variant describing how a source is protected.
// Key and IV are base64; ProtectionHeader carries the scheme-specific header
// (e.g. a PSSH box) handed opaquely to the key resolver.
type Protection struct {
	Scheme           ProtectionScheme `json:"scheme"`
	Key              string           `json:"key,omitempty"`
	IV               string           `json:"iv,omitempty"`
	ProtectionHeader string           `json:"protection_header,omitempty"`
}

// Protection decodes the task's protection variant. An empty column means no
// protection.
func (i *Item) Protection() (Protection, error) {
	raw := strings.TrimSpace(i.ProtectionJSON)
	if raw == "" {
		return Protection{Scheme: ProtectionNone}, nil
	}
	var p Protection
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Protection{}, fmt.Errorf("decode protection: %w", err)
	}
	if p.Scheme == "" {
		p.Scheme = ProtectionNone
	}
	return p, nil
}

// SetProtection encodes and stores the protection variant on the task.
func (i *Item) SetProtection(p Protection) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode protection: %w", err)
	}
	i.ProtectionJSON = string(data)
	return nil
}

// AuthHeaders decodes the per-source auth headers attached at submission.
func (i *Item) AuthHeaders() (map[string]string, error) {
	raw := strings.TrimSpace(i.AuthHeadersJSON)
	if raw == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("decode auth headers: %w", err)
	}
	return headers, nil
}

// SetAuthHeaders encodes and stores the source auth headers.
func (i *Item) SetAuthHeaders(headers map[string]string) error {
	if len(headers) == 0 {
		i.AuthHeadersJSON = ""
		return nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode auth headers: %w", err)
	}
	i.AuthHeadersJSON = string(data)
	return nil
}
