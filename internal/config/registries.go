package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/regsync/internal/registry"
)

const registriesSchemaURL = "https://regsync.local/schemas/registries.json"

const registriesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["registries"],
  "additionalProperties": false,
  "properties": {
    "registries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "endpoint"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9._-]+$"},
          "endpoint": {"type": "string", "pattern": "^https?://"},
          "description": {"type": "string"},
          "username": {"type": "string"},
          "password": {"type": "string"},
          "passwordEnv": {"type": "string"},
          "metadataPrefix": {"type": "string", "minLength": 1},
          "readEnabled": {"type": "boolean"},
          "harvested": {"type": "boolean"}
        }
      }
    }
  }
}`

// RegistryConfig is one remote registry in the registries document.
// PasswordEnv names an environment variable holding the password.
type RegistryConfig struct {
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	Description    string `json:"description,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	PasswordEnv    string `json:"passwordEnv,omitempty"`
	MetadataPrefix string `json:"metadataPrefix,omitempty"`
	ReadEnabled    *bool  `json:"readEnabled,omitempty"`
	Harvested      *bool  `json:"harvested,omitempty"`
}

type registriesDocument struct {
	Registries []RegistryConfig `json:"registries"`
}

func compileRegistriesSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(registriesSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(registriesSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(registriesSchemaURL)
}

// ParseRegistries validates data against the registries schema and
// converts it. Names must be unique.
func ParseRegistries(data []byte) ([]registry.RemoteRegistry, error) {
	schema, err := compileRegistriesSchema()
	if err != nil {
		return nil, errors.WrapIf(err, "compile registries schema")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithDetails(errors.WrapIf(err, "parse registries document"), "kind", "syntax")
	}
	if err := schema.Validate(instance); err != nil {
		return nil, errors.WrapIf(err, "validate registries document")
	}

	var doc registriesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapIf(err, "decode registries document")
	}
	seen := map[string]struct{}{}
	out := make([]registry.RemoteRegistry, 0, len(doc.Registries))
	for _, rc := range doc.Registries {
		if _, dup := seen[rc.Name]; dup {
			return nil, errors.NewWithDetails("duplicate registry name", "name", rc.Name)
		}
		seen[rc.Name] = struct{}{}
		password := rc.Password
		if rc.PasswordEnv != "" {
			password = os.Getenv(rc.PasswordEnv)
		}
		out = append(out, registry.RemoteRegistry{
			Name:           rc.Name,
			Endpoint:       rc.Endpoint,
			Description:    rc.Description,
			Username:       rc.Username,
			Password:       password,
			MetadataPrefix: rc.MetadataPrefix,
			ReadEnabled:    rc.ReadEnabled == nil || *rc.ReadEnabled,
			Harvested:      rc.Harvested == nil || *rc.Harvested,
		})
	}
	return out, nil
}

func LoadRegistries(path string) ([]registry.RemoteRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "read registries file", "path", path)
	}
	regs, err := ParseRegistries(data)
	if err != nil {
		return nil, errors.WithDetails(err, "path", path)
	}
	return regs, nil
}

type RegistryUpserter interface {
	UpsertRegistry(ctx context.Context, reg registry.RemoteRegistry) (registry.RemoteRegistry, error)
}

// ApplyRegistries upserts every registry. Watermarks of known registries
// are kept by the store.
func ApplyRegistries(ctx context.Context, store RegistryUpserter, regs []registry.RemoteRegistry) error {
	var errs []error
	for _, reg := range regs {
		if _, err := store.UpsertRegistry(ctx, reg); err != nil {
			errs = append(errs, errors.WrapIfWithDetails(err, "upsert registry", "registry", reg.Name))
		}
	}
	return errors.Combine(errs...)
}

const reloadDebounce = 200 * time.Millisecond

// WatchRegistries reloads path whenever it changes and hands the parsed
// registries to apply. An invalid document is logged and skipped. The
// directory is watched so editors that replace the file are seen too.
func WatchRegistries(ctx context.Context, path string, log logr.Logger, apply func(context.Context, []registry.RemoteRegistry) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapIf(err, "create registries watcher")
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.WrapIf(err, "resolve registries path")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.WrapIfWithDetails(err, "watch registries directory", "path", abs)
	}

	reload := func() {
		regs, err := LoadRegistries(abs)
		if err != nil {
			log.Error(err, "registries reload rejected", "path", abs)
			return
		}
		if err := apply(ctx, regs); err != nil {
			log.Error(err, "registries reload failed", "path", abs)
			return
		}
		log.Info("registries reloaded", "path", abs, "count", len(regs))
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "registries watcher error", "path", abs)
		case <-debounce:
			debounce = nil
			reload()
		}
	}
}
