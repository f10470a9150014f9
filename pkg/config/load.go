package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/arkit/pkg/engine"
)

// EnvPrefix prefixes every environment override, e.g. ARKIT_SESSION_LOSS_TIMEOUT.
const EnvPrefix = "ARKIT_"

// Load reads path (.yaml, .yml, .json or .cue) over the defaults, applies
// environment overrides and validates the result. An empty path loads the
// defaults with environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, engine.NewInvalidConfigError("failed to read config", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cue":
			err = decodeCUE(data, path, cfg)
		case ".yaml", ".yml", ".json":
			err = decodeYAML(data, cfg)
		default:
			err = fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		if err != nil {
			return nil, engine.NewInvalidConfigError(fmt.Sprintf("failed to load %s", path), err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from ARKIT_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return engine.NewInvalidConfigError("failed to parse environment", err)
	}
	return nil
}

// decodeYAML decodes data over cfg. JSON is accepted as YAML.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// decodeCUE evaluates data, checks it against the #Config schema and
// decodes the concrete result over cfg.
func decodeCUE(data []byte, filename string, cfg *Config) error {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cueError(err)
	}

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueError(err)
	}

	// Durations are strings in CUE; round-trip through JSON so the YAML
	// decoder parses them.
	js, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export config: %w", err)
	}
	return decodeYAML(js, cfg)
}

// cueError flattens CUE errors into one message with file positions.
func cueError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
