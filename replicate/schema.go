package replicate

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dchest/siphash"
)

// Stable SipHash-2-4 seed for component identity. Changing either half
// invalidates every manifest and schema hash ever exchanged.
const (
	stableHashKey0 = uint64(0x0ddcc001feedface)
	stableHashKey1 = uint64(0xabcdef0123456789)
)

// StableHash hashes bytes with the fixed component identity seed.
func StableHash(data []byte) uint64 {
	return siphash.Hash(stableHashKey0, stableHashKey1, data)
}

// ComponentKey identifies a replicable component type. The hash is derived
// from the canonical type name only, so it is identical across processes,
// platforms, and builds.
type ComponentKey struct {
	TypeName string `json:"type_name"`
	TypeHash uint64 `json:"type_hash"`
}

func NewComponentKey(typeName string) ComponentKey {
	return ComponentKey{
		TypeName: typeName,
		TypeHash: StableHash([]byte(typeName)),
	}
}

// ManifestJSON renders the sorted {type name -> hex key} mapping. The output
// is byte-identical for an unchanged registered set.
func ManifestJSON(registry *Registry) ([]byte, error) {
	names := make([]string, 0, len(registry.entries))
	byName := map[string]string{}
	for _, entry := range registry.entries {
		names = append(names, entry.Key.TypeName)
		byName[entry.Key.TypeName] = fmt.Sprintf("%016x", entry.Key.TypeHash)
	}
	sort.Strings(names)

	manifest := make(map[string]string, len(names))
	for _, name := range names {
		manifest[name] = byName[name]
	}
	// encoding/json writes map keys in sorted order, which keeps the
	// manifest canonical
	return json.MarshalIndent(manifest, "", "  ")
}

// SchemaHash is the handshake compatibility key: the stable hash of the
// canonical manifest bytes.
func SchemaHash(registry *Registry) (uint64, error) {
	manifest, err := ManifestJSON(registry)
	if err != nil {
		return 0, err
	}
	return StableHash(manifest), nil
}

// WriteManifest writes component_manifest.json (or any given path).
func WriteManifest(registry *Registry, path string) error {
	manifest, err := ManifestJSON(registry)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(manifest, '\n'), 0644)
}
