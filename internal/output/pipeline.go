// Package output turns a decoded record into the key/value set subscribers
// receive: variant subset, renaming, photo policy and field encryption.
package output

import (
	"fmt"
	"slices"

	"cardreader/internal/card/models"
	dErrors "cardreader/pkg/domain-errors"
)

// Encryptor seals one field value.
type Encryptor interface {
	Seal(plaintext string) (string, error)
}

// Config controls Transform. Keys in EnabledFields, FieldMapping and
// EncryptFields are the pre-rename output keys (Citizenid, Th_Firstname, ...).
type Config struct {
	Format        Format
	DateFormat    DateFormat
	EnabledFields []string
	FieldMapping  map[string]string
	IncludePhoto  bool
	EncryptFields []string
}

// Validate reports unknown keys and rename collisions.
func (c Config) Validate() error {
	for _, k := range c.EnabledFields {
		if !KnownKey(k) {
			return fmt.Errorf("enabled_fields: unknown field %q", k)
		}
	}
	for _, k := range c.EncryptFields {
		if !KnownKey(k) {
			return fmt.Errorf("encrypted_fields: unknown field %q", k)
		}
	}
	seen := make(map[string]string)
	for _, k := range c.Format.Keys() {
		out := c.rename(k)
		if prev, dup := seen[out]; dup {
			return fmt.Errorf("field_mapping: %q and %q both map to %q", prev, k, out)
		}
		if out == "mode" {
			return fmt.Errorf("field_mapping: %q may not be renamed to the reserved key \"mode\"", k)
		}
		seen[out] = k
	}
	for k := range c.FieldMapping {
		if !KnownKey(k) {
			return fmt.Errorf("field_mapping: unknown field %q", k)
		}
	}
	return nil
}

func (c Config) rename(key string) string {
	if out, ok := c.FieldMapping[key]; ok && out != "" {
		return out
	}
	return key
}

// Pipeline is immutable after construction and safe for concurrent use.
type Pipeline struct {
	cfg       Config
	keys      []string
	encryptor Encryptor
	encrypt   map[string]bool
}

// New builds a pipeline. A nil encryptor disables encryption regardless of
// EncryptFields.
func New(cfg Config, encryptor Encryptor) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid output config")
	}
	p := &Pipeline{cfg: cfg, encryptor: encryptor, encrypt: make(map[string]bool)}
	for _, k := range cfg.Format.Keys() {
		if len(cfg.EnabledFields) > 0 && !slices.Contains(cfg.EnabledFields, k) {
			continue
		}
		if k == KeyPhoto && !cfg.IncludePhoto {
			continue
		}
		p.keys = append(p.keys, k)
	}
	if encryptor != nil {
		for _, k := range cfg.EncryptFields {
			p.encrypt[k] = true
		}
	}
	return p, nil
}

// Keys returns the pre-rename keys this pipeline emits, in order.
func (p *Pipeline) Keys() []string {
	return slices.Clone(p.keys)
}

// EncryptionEnabled reports whether any field will be sealed.
func (p *Pipeline) EncryptionEnabled() bool {
	return len(p.encrypt) > 0
}

// Transform applies subset, rename, photo policy and encryption in that order.
// Encryption is looked up by the pre-rename key but applied to the renamed
// entry. A sealing failure fails the whole record: emitting the plaintext
// instead would defeat the configuration.
func (p *Pipeline) Transform(rec *models.ThaiIDRecord) (models.OutputRecord, error) {
	out := make(models.OutputRecord, 0, len(p.keys))
	for _, k := range p.keys {
		value := extractors[k](rec, p.cfg.DateFormat)
		if p.encrypt[k] {
			sealed, err := p.encryptor.Seal(value)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encrypt "+k)
			}
			value = sealed
		}
		out = append(out, models.OutputField{Key: p.cfg.rename(k), Value: value})
	}
	return out, nil
}
