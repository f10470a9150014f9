package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/arkit/pkg/engine"
)

// ManifestFile is the file name ScanDirectory looks for in each plugin directory.
const ManifestFile = "manifest.yaml"

// Kind is the implementation kind of a manifest-declared plugin.
type Kind string

const (
	// KindScript is a Starlark script plugin.
	KindScript Kind = "script"

	// KindWASM is a WebAssembly plugin.
	KindWASM Kind = "wasm"
)

// Manifest describes a plugin shipped as a directory with a manifest.yaml.
type Manifest struct {
	Name         string              `yaml:"name" validate:"required"`
	Version      string              `yaml:"version" validate:"required"`
	Description  string              `yaml:"description,omitempty"`
	Kind         Kind                `yaml:"kind" validate:"required,oneof=script wasm"`
	Entrypoint   string              `yaml:"entrypoint" validate:"required"`
	Capabilities []engine.Capability `yaml:"capabilities" validate:"dive,oneof=camera:pose audio:spatial resources:load scene:anchors"`
	Checksum     string              `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Config       map[string]string   `yaml:"config,omitempty"`

	// Path is the manifest file the manifest was loaded from.
	Path string `yaml:"-"`

	// EntrypointPath is the resolved entrypoint file.
	EntrypointPath string `yaml:"-"`

	// Verified is set once the entrypoint matched Checksum.
	Verified bool `yaml:"-"`
}

// VerifyChecksum checks code against the manifest checksum.
func (m *Manifest) VerifyChecksum(code []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}
	hash := sha256.Sum256(code)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("entrypoint checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	m.Verified = true
	return nil
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	// BaseDir resolves entrypoints of manifests loaded from bytes.
	BaseDir string

	validate *validator.Validate
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir, validate: validator.New()}
}

// LoadFromFile loads a manifest and resolves its entrypoint next to it.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	m.Path = path
	m.EntrypointPath = resolve(filepath.Dir(path), m.Entrypoint)
	if _, err := os.Stat(m.EntrypointPath); err != nil {
		return nil, fmt.Errorf("entrypoint not found at %s: %w", m.EntrypointPath, err)
	}
	return m, nil
}

// LoadFromBytes parses a manifest whose entrypoint resolves against BaseDir.
func (l *ManifestLoader) LoadFromBytes(data []byte) (*Manifest, error) {
	m, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	m.EntrypointPath = resolve(l.BaseDir, m.Entrypoint)
	return m, nil
}

func resolve(dir, entrypoint string) string {
	if filepath.IsAbs(entrypoint) {
		return entrypoint
	}
	return filepath.Join(dir, entrypoint)
}

func (l *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := l.validate.Struct(&m); err != nil {
		return nil, engine.NewInvalidConfigError(fmt.Sprintf("invalid manifest %q", m.Name), err).
			WithCode(engine.ErrCodeValidation)
	}
	return &m, nil
}

// ReadEntrypoint reads the entrypoint and verifies it when a checksum is set.
func (l *ManifestLoader) ReadEntrypoint(m *Manifest) ([]byte, error) {
	code, err := os.ReadFile(m.EntrypointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read entrypoint: %w", err)
	}
	if m.Checksum != "" {
		if err := m.VerifyChecksum(code); err != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", err)
		}
	}
	return code, nil
}

// ScanDirectory loads dir/*/manifest.yaml. Broken manifests are collected
// in the returned error and do not stop the scan.
func (l *ManifestLoader) ScanDirectory(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var manifests []*Manifest
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := l.LoadFromFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, errors.Join(errs...)
}

// Factory builds a plugin from a verified manifest and its entrypoint code.
type Factory func(ctx context.Context, m *Manifest, code []byte) (Plugin, error)

// Catalog turns manifests into plugins using one Factory per Kind.
type Catalog struct {
	loader    *ManifestLoader
	factories map[Kind]Factory
}

// NewCatalog creates a catalog.
func NewCatalog(loader *ManifestLoader, factories map[Kind]Factory) *Catalog {
	return &Catalog{loader: loader, factories: factories}
}

// Open reads, verifies and instantiates one manifest.
func (c *Catalog) Open(ctx context.Context, m *Manifest) (Plugin, error) {
	factory, ok := c.factories[m.Kind]
	if !ok {
		return nil, fmt.Errorf("no factory for plugin kind %q", m.Kind)
	}
	code, err := c.loader.ReadEntrypoint(m)
	if err != nil {
		return nil, err
	}
	p, err := factory(ctx, m, code)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", m.Name, err)
	}
	return p, nil
}

// Discover opens every plugin under dir. Plugins that fail to load are
// skipped and reported in the returned error.
func (c *Catalog) Discover(ctx context.Context, dir string) ([]Plugin, error) {
	manifests, scanErr := c.loader.ScanDirectory(dir)
	if manifests == nil && scanErr != nil {
		return nil, scanErr
	}

	errs := []error{scanErr}
	var out []Plugin
	for _, m := range manifests {
		p, err := c.Open(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}
