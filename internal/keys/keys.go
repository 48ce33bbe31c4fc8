package keys

import (
	"strings"

	"sketchy-comics/internal/models"
)

// KeyInfo describes an authenticated API key.
type KeyInfo struct {
	ID   string
	Tier string
}

// Directory resolves API keys to their tier. Keys are configuration data
// consumed read-only; rotation means restarting with new config.
type Directory struct {
	keys    map[string]string
	devMode bool
}

// Parse builds a directory from comma-separated "key:tier" pairs.
// Entries without a tier default to free. An empty spec enables dev mode,
// where any key is accepted at the pro tier.
func Parse(spec string) *Directory {
	d := &Directory{keys: make(map[string]string)}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if key, tier, found := strings.Cut(entry, ":"); found {
			d.keys[key] = normalizeTier(tier)
		} else {
			d.keys[entry] = models.TierFree
		}
	}
	d.devMode = len(d.keys) == 0
	return d
}

// Lookup returns the key info, or false for unknown keys.
func (d *Directory) Lookup(key string) (KeyInfo, bool) {
	if d.devMode {
		return KeyInfo{ID: "dev", Tier: models.TierPro}, true
	}
	tier, ok := d.keys[key]
	if !ok {
		return KeyInfo{}, false
	}
	return KeyInfo{ID: key, Tier: tier}, true
}

// DevMode reports whether auth is disabled (no keys configured).
func (d *Directory) DevMode() bool {
	return d.devMode
}

func normalizeTier(tier string) string {
	switch strings.TrimSpace(strings.ToLower(tier)) {
	case models.TierPro:
		return models.TierPro
	case models.TierEnterprise:
		return models.TierEnterprise
	default:
		return models.TierFree
	}
}
