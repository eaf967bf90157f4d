// Package config loads and validates the daemon/CLI's YAML configuration
// (§6.4), following the teacher's load-then-validate shape: decode into a
// generic document first for schema validation, then into the typed
// Config the rest of the program consumes.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"backer/internal/backer"
)

// Local names one local-filesystem collaborator.
type Local struct {
	Type string `yaml:"type"`
}

// Remote names one remote-backend collaborator. Only the fields relevant
// to Type are populated; the rest are zero.
type Remote struct {
	Type string `yaml:"type"`

	FSRoot string `yaml:"fs:root"`

	S3Bucket string `yaml:"s3:bucket"`
	S3Prefix string `yaml:"s3:prefix"`

	AWSCreds   string `yaml:"aws:creds"`
	AWSProfile string `yaml:"aws:profile"`
	AWSRegion  string `yaml:"aws:region"`
}

// Backup names one configured backup: which local and remote to use, the
// source dataset, the backup id to tag generations with, and the backer
// worker's period for this backup.
type Backup struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
	FSName string `yaml:"fs:name"`
	ID     string `yaml:"id"`
	Period int    `yaml:"period"`
}

// Config is the fully decoded YAML document.
type Config struct {
	Version       string            `yaml:"version"`
	DefaultLocal  string            `yaml:"default_local"`
	DefaultRemote string            `yaml:"default_remote"`
	Locals        map[string]Local  `yaml:"locals"`
	Remotes       map[string]Remote `yaml:"remotes"`
	Backups       map[string]Backup `yaml:"backups"`
}

// BackupID returns cfg's id, defaulting to "default" per §6.4.
func (b Backup) BackupID() string {
	if b.ID == "" {
		return "default"
	}
	return b.ID
}

// PeriodSeconds returns cfg's period, defaulting to 60 per §6.4.
func (b Backup) PeriodSeconds() int {
	if b.Period <= 0 {
		return 60
	}
	return b.Period
}

// LocalName resolves b's local collaborator name against defaultLocal.
func (b Backup) LocalName(defaultLocal string) string {
	if b.Local != "" {
		return b.Local
	}
	return defaultLocal
}

// RemoteName resolves b's remote collaborator name against defaultRemote.
func (b Backup) RemoteName(defaultRemote string) string {
	if b.Remote != "" {
		return b.Remote
	}
	return defaultRemote
}

// Load reads, schema-validates, and decodes the YAML config at path. It
// returns backer.ErrConfig (wrapped) for a missing/unreadable file, invalid
// YAML, a schema violation, or a version that does not match the engine's
// compiled-in VERSION — all are fatal at startup per §7.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %v", backer.ErrConfig, path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", backer.ErrConfig, path, err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", backer.ErrConfig, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return Config{}, fmt.Errorf("%w: schema validation: %v", backer.ErrConfig, err)
	}
	if !result.Valid() {
		return Config{}, fmt.Errorf("%w: %s: %s", backer.ErrConfig, path, firstError(result))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode %s: %v", backer.ErrConfig, path, err)
	}
	if cfg.Version != backer.Version {
		return Config{}, fmt.Errorf("%w: version mismatch: config has %q, engine is %q",
			backer.ErrConfig, cfg.Version, backer.Version)
	}
	return cfg, nil
}

func firstError(result *gojsonschema.Result) string {
	errs := result.Errors()
	if len(errs) == 0 {
		return "invalid configuration"
	}
	return errs[0].String()
}

// schemaJSON is the JSON Schema for the YAML document described in §6.4.
const schemaJSON = `{
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string"},
    "default_local": {"type": "string"},
    "default_remote": {"type": "string"},
    "locals": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {"type": {"enum": ["zfs"]}}
      }
    },
    "remotes": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["fs", "s3"]},
          "fs:root": {"type": "string"},
          "s3:bucket": {"type": "string"},
          "s3:prefix": {"type": "string"},
          "aws:creds": {"type": "string"},
          "aws:profile": {"type": "string"},
          "aws:region": {"type": "string"}
        }
      }
    },
    "backups": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["fs:name"],
        "properties": {
          "local": {"type": "string"},
          "remote": {"type": "string"},
          "fs:name": {"type": "string"},
          "id": {"type": "string"},
          "period": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`
