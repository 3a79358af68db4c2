package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// QuotaLimit is one (service, window) override row, the shape a
// QUOTA_LIMITS_FILE YAML document deserializes into.
type QuotaLimit struct {
	Service string `yaml:"service"`
	Window  string `yaml:"window"`
	Limit   int64  `yaml:"limit"`
}

// quotaLimitsFile is the top-level shape of the YAML file: a flat list,
// since service x window is a small, rarely-edited set and a flat list is
// easier for an operator to hand-edit than a nested map of maps.
type quotaLimitsFile struct {
	Limits []QuotaLimit `yaml:"limits"`
}

// defaultQuotaLimits are the reference-implementation defaults from spec.md
// §4.4, used for any (service, window) the override file doesn't mention
// and used outright when QuotaLimitsFile is unset.
func defaultQuotaLimits() []QuotaLimit {
	return []QuotaLimit{
		{Service: "vision", Window: string(domain.WindowPerMinute), Limit: 4_000_000},
		{Service: "vision", Window: string(domain.WindowPerDay), Limit: 1_000_000_000},
		{Service: "embedding", Window: string(domain.WindowPerMinute), Limit: 4_000_000},
		{Service: "embedding", Window: string(domain.WindowPerDay), Limit: 1_000_000_000},
	}
}

// defaultRequestLimits mirrors the request-count half of the same
// reference pairs ("15 requests" per minute, "1,500 requests" per day),
// tracked as a second named resource per service so a single QuotaCounter
// row always measures one unit kind.
func defaultRequestLimits() []QuotaLimit {
	return []QuotaLimit{
		{Service: "vision.requests", Window: string(domain.WindowPerMinute), Limit: 15},
		{Service: "vision.requests", Window: string(domain.WindowPerDay), Limit: 1500},
		{Service: "embedding.requests", Window: string(domain.WindowPerMinute), Limit: 15},
		{Service: "embedding.requests", Window: string(domain.WindowPerDay), Limit: 1500},
	}
}

// LoadQuotaLimits reads c.QuotaLimitsFile if set, overlaying its rows onto
// the built-in defaults; service/window pairs absent from the file keep
// their default. An empty QuotaLimitsFile returns the defaults unchanged.
func (c Config) LoadQuotaLimits() ([]QuotaLimit, error) {
	limits := append(defaultQuotaLimits(), defaultRequestLimits()...)
	if c.QuotaLimitsFile == "" {
		return limits, nil
	}

	raw, err := os.ReadFile(c.QuotaLimitsFile)
	if err != nil {
		return nil, err
	}
	var parsed quotaLimitsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	byKey := make(map[string]QuotaLimit, len(limits))
	for _, l := range limits {
		byKey[l.Service+"|"+l.Window] = l
	}
	for _, l := range parsed.Limits {
		byKey[l.Service+"|"+l.Window] = l
	}

	out := make([]QuotaLimit, 0, len(byKey))
	for _, l := range byKey {
		out = append(out, l)
	}
	return out, nil
}
