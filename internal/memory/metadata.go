package memory

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hession/toolmate/internal/sqlitex"
)

// Well-known metadata keys
const (
	MetaCreatedAt = "created_at"
	MetaCategory  = "category"
	MetaSource    = "source"
	MetaTags      = "tags"
)

// Metadata describes a record. Unknown keys found in stored JSON survive a
// round trip through Extra.
type Metadata struct {
	CreatedAt time.Time
	Category  string
	Source    string
	Tags      []string
	Extra     map[string]string
}

// Set stores a free-form key. Well-known keys are routed to their field.
func (m *Metadata) Set(key, value string) {
	switch key {
	case MetaCategory:
		m.Category = value
	case MetaSource:
		m.Source = value
	case MetaTags:
		m.Tags = splitTags(value)
	case MetaCreatedAt:
		if t, err := sqlitex.ParseTime(value); err == nil {
			m.CreatedAt = t
		}
	default:
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[key] = value
	}
}

// Clone returns a copy that shares no map or slice with m
func (m Metadata) Clone() Metadata {
	m.Tags = slices.Clone(m.Tags)
	m.Extra = maps.Clone(m.Extra)
	return m
}

// IsZero reports whether no field is set
func (m Metadata) IsZero() bool {
	return m.CreatedAt.IsZero() && m.Category == "" && m.Source == "" &&
		len(m.Tags) == 0 && len(m.Extra) == 0
}

// MarshalJSON writes a flat object with the well-known keys plus Extra
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if !m.CreatedAt.IsZero() {
		out[MetaCreatedAt] = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if m.Category != "" {
		out[MetaCategory] = m.Category
	}
	if m.Source != "" {
		out[MetaSource] = m.Source
	}
	if len(m.Tags) > 0 {
		out[MetaTags] = m.Tags
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any JSON object. Values of unexpected types are
// kept in Extra as their JSON text rather than rejected.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata is not a JSON object: %w", err)
	}

	*m = Metadata{}
	for key, value := range raw {
		switch key {
		case MetaTags:
			var tags []string
			if json.Unmarshal(value, &tags) == nil {
				m.Tags = tags
				continue
			}
			var joined string
			if json.Unmarshal(value, &joined) == nil {
				m.Tags = splitTags(joined)
				continue
			}
			m.setExtra(key, string(value))
		case MetaCreatedAt:
			var s string
			if json.Unmarshal(value, &s) == nil {
				if t, err := sqlitex.ParseTime(s); err == nil {
					m.CreatedAt = t
					continue
				}
			}
			m.setExtra(key, rawString(value))
		case MetaCategory, MetaSource:
			m.Set(key, rawString(value))
		default:
			m.setExtra(key, rawString(value))
		}
	}
	return nil
}

func (m *Metadata) setExtra(key, value string) {
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[key] = value
}

// String renders metadata as sorted key=value pairs
func (m Metadata) String() string {
	var parts []string
	if !m.CreatedAt.IsZero() {
		parts = append(parts, MetaCreatedAt+"="+m.CreatedAt.Format(time.RFC3339))
	}
	if m.Category != "" {
		parts = append(parts, MetaCategory+"="+m.Category)
	}
	if m.Source != "" {
		parts = append(parts, MetaSource+"="+m.Source)
	}
	if len(m.Tags) > 0 {
		parts = append(parts, MetaTags+"="+strings.Join(m.Tags, ","))
	}
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+m.Extra[k])
	}
	return strings.Join(parts, " ")
}

// rawString unquotes JSON strings and keeps any other value as JSON text
func rawString(value json.RawMessage) string {
	var s string
	if json.Unmarshal(value, &s) == nil {
		return s
	}
	return string(value)
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
