// Package scripts discovers script files and maintains the routing allow-list.
//
// Script files are named <name>.<kind><ext>, for example kv-set.execute.lua.
// The directory is scanned once; commands whose nominal path is not in the
// allow-list for their kind are rejected before any sandbox invocation.
package scripts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultExt is the script file extension used when none is configured.
const DefaultExt = ".lua"

var (
	ErrUnknownScript = errors.New("scripts: unknown script")
	ErrInvalidKind   = errors.New("scripts: invalid kind")
	ErrInvalidName   = errors.New("scripts: invalid name")
	ErrDuplicate     = errors.New("scripts: duplicate script")
)

// Kind is the declared execution kind of a script.
type Kind string

const (
	KindQuery   Kind = "query"
	KindExecute Kind = "execute"
)

// ParseKind accepts "query" or "execute".
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindQuery:
		return KindQuery, nil
	case KindExecute:
		return KindExecute, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// Reference is one resolved, allow-listed script.
type Reference struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
}

// Registry is the kind -> name allow-list built at startup.
type Registry struct {
	items map[Kind]map[string]Reference
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		items: map[Kind]map[string]Reference{
			KindQuery:   {},
			KindExecute: {},
		},
	}
}

// Register adds ref to the allow-list.
func (r *Registry) Register(ref Reference) error {
	kind, err := ParseKind(string(ref.Kind))
	if err != nil {
		return err
	}
	if !isValidName(ref.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, ref.Name)
	}
	if _, ok := r.items[kind][ref.Name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicate, ref.Name, kind)
	}
	ref.Kind = kind
	r.items[kind][ref.Name] = ref
	return nil
}

// Resolve returns the allow-listed script for kind and name.
func (r *Registry) Resolve(kind Kind, name string) (Reference, error) {
	if r != nil {
		if ref, ok := r.items[kind][name]; ok {
			return ref, nil
		}
	}
	return Reference{}, fmt.Errorf("%s path %s not supported: %w", kind, name, ErrUnknownScript)
}

// Names returns the sorted script names registered for kind.
func (r *Registry) Names(kind Kind) []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.items[kind]))
	for name := range r.items[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns every reference ordered by kind then name.
func (r *Registry) List() []Reference {
	out := make([]Reference, 0)
	for _, kind := range []Kind{KindExecute, KindQuery} {
		for _, name := range r.Names(kind) {
			out = append(out, r.items[kind][name])
		}
	}
	return out
}

// Scan reads dir once and registers every <name>.<kind><ext> file.
// Directories and files with other kinds or extensions are ignored.
func Scan(dir, ext string) (*Registry, error) {
	if strings.TrimSpace(ext) == "" {
		ext = DefaultExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripts: read dir %s: %w", dir, err)
	}

	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ref, ok := parseFileName(entry.Name(), ext)
		if !ok {
			continue
		}
		ref.Path = filepath.Join(dir, entry.Name())
		if err := reg.Register(ref); err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("script skipped")
			continue
		}
		log.Debug().Str("name", ref.Name).Str("kind", string(ref.Kind)).Msg("script registered")
	}
	return reg, nil
}

func parseFileName(fileName, ext string) (Reference, bool) {
	base, found := strings.CutSuffix(fileName, ext)
	if !found {
		return Reference{}, false
	}
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return Reference{}, false
	}
	kind, err := ParseKind(base[idx+1:])
	if err != nil {
		return Reference{}, false
	}
	return Reference{Name: base[:idx], Kind: kind}, true
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isUpper || isDigit || isSep) {
			return false
		}
	}
	return true
}
