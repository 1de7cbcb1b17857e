package cloud

import (
	"fmt"
	"strings"

	"github.com/rwturner17/BECy-stats/internal/models"
)

// Bundle is the ordered set of metrics extracted from one frame. It is not
// modified after Extract returns.
type Bundle struct {
	keys   []string
	values map[string]models.Value
}

func newBundle(keys []string) *Bundle {
	b := &Bundle{keys: append([]string(nil), keys...), values: make(map[string]models.Value, len(keys))}
	for _, k := range keys {
		b.values[k] = models.Missing()
	}
	return b
}

// MissingBundle returns a bundle with every key marked missing, standing in
// for a frame that could not be loaded or reconstructed
func MissingBundle(keys []string) *Bundle {
	return newBundle(keys)
}

func (b *Bundle) set(key string, v models.Value) {
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = v
}

// Get returns the value stored under key, missing for unknown keys
func (b *Bundle) Get(key string) models.Value {
	return b.values[key]
}

// Has reports whether key is part of the bundle
func (b *Bundle) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

// Keys returns the metric names in bundle order
func (b *Bundle) Keys() []string {
	return append([]string(nil), b.keys...)
}

func (b *Bundle) String() string {
	parts := make([]string, len(b.keys))
	for i, k := range b.keys {
		parts[i] = fmt.Sprintf("%s=%v", k, b.values[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
