// Package pipeline turns plaintext source records into upload-ready encrypted records.
//
// Encrypt is a pure function of (records, config, key): it performs no I/O, never
// mutates its input and returns identical output for identical input, because field
// ciphertexts use a synthetic nonce and indexes are keyed hashes.
package pipeline

import (
	"fmt"
	"time"

	"github.com/and161185/harvester/internal/crypto/clientcrypto"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
)

// Reserved payload keys.
const (
	KeyID   = "id"
	KeyDate = "date"
)

// IndexSpec derives Target = BlindIndex(Normalize(record[Source])).
type IndexSpec struct {
	Source    string
	Target    string
	Normalize Normalizer
}

// FieldConfig declares which fields of a record type are protected.
type FieldConfig struct {
	Encrypt       []string // scalar string fields
	EncryptArrays []string // []string fields, encrypted element-wise
	Indexes       []IndexSpec
}

// Pipeline holds the derived field keys. A Pipeline built without a key fails closed.
type Pipeline struct {
	keys   *clientcrypto.FieldKeys
	keyErr error
}

// New derives field keys from masterKey. An empty key yields a Pipeline whose
// operations all return errs.ErrNoEncryptionKey.
func New(masterKey []byte) *Pipeline {
	keys, err := clientcrypto.DeriveFieldKeys(masterKey)
	return &Pipeline{keys: keys, keyErr: err}
}

// Ready reports whether a usable key is configured.
func (p *Pipeline) Ready() error {
	if p == nil {
		return errs.ErrNoEncryptionKey
	}
	return p.keyErr
}

// Encrypt converts records into EncryptedRecords per cfg.
func (p *Pipeline) Encrypt(records []model.Record, cfg FieldConfig) ([]model.EncryptedRecord, error) {
	if err := p.Ready(); err != nil {
		return nil, err
	}
	out := make([]model.EncryptedRecord, 0, len(records))
	for i := range records {
		er, err := p.encryptOne(&records[i], cfg)
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", records[i].ID, err)
		}
		out = append(out, er)
	}
	return out, nil
}

func (p *Pipeline) encryptOne(r *model.Record, cfg FieldConfig) (model.EncryptedRecord, error) {
	er := make(model.EncryptedRecord, len(r.Fields)+len(cfg.Indexes)+2)
	for k, v := range r.Fields {
		er[k] = v
	}
	er[KeyID] = r.ID
	er[KeyDate] = r.Date.UTC().Format(time.RFC3339Nano)

	// indexes read plaintext, so they run before the fields are replaced
	for _, ix := range cfg.Indexes {
		v, ok := r.Fields[ix.Source]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: index source %q is %T, want string", errs.ErrValidation, ix.Source, v)
		}
		normalized := s
		if ix.Normalize != nil {
			normalized = ix.Normalize(s)
		}
		if normalized == "" {
			continue
		}
		idx, err := clientcrypto.BlindIndex(p.keys, normalized)
		if err != nil {
			return nil, err
		}
		er[ix.Target] = idx
	}

	for _, name := range cfg.Encrypt {
		v, ok := r.Fields[name]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q is %T, want string", errs.ErrValidation, name, v)
		}
		if s == "" {
			continue
		}
		ct, err := clientcrypto.EncryptField(p.keys, s)
		if err != nil {
			return nil, err
		}
		er[name] = ct
	}

	for _, name := range cfg.EncryptArrays {
		v, ok := r.Fields[name]
		if !ok || v == nil {
			continue
		}
		elems, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		enc := make([]string, len(elems))
		for i, s := range elems {
			if s == "" {
				continue
			}
			if enc[i], err = clientcrypto.EncryptField(p.keys, s); err != nil {
				return nil, err
			}
		}
		er[name] = enc
	}
	return er, nil
}

// Decrypt restores the declared fields of er to plaintext. Index fields are dropped.
func (p *Pipeline) Decrypt(er model.EncryptedRecord, cfg FieldConfig) (map[string]any, error) {
	if err := p.Ready(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(er))
	for k, v := range er {
		out[k] = v
	}
	for _, ix := range cfg.Indexes {
		delete(out, ix.Target)
	}
	for _, name := range cfg.Encrypt {
		s, ok := er[name].(string)
		if !ok || s == "" {
			continue
		}
		pt, err := clientcrypto.DecryptField(p.keys, s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = pt
	}
	for _, name := range cfg.EncryptArrays {
		v, ok := er[name]
		if !ok || v == nil {
			continue
		}
		elems, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		dec := make([]string, len(elems))
		for i, s := range elems {
			if s == "" {
				continue
			}
			if dec[i], err = clientcrypto.DecryptField(p.keys, s); err != nil {
				return nil, fmt.Errorf("field %q[%d]: %w", name, i, err)
			}
		}
		out[name] = dec
	}
	return out, nil
}

// Index computes the blind index a consumer would query with.
func (p *Pipeline) Index(value string, normalize Normalizer) (string, error) {
	if err := p.Ready(); err != nil {
		return "", err
	}
	if normalize != nil {
		value = normalize(value)
	}
	return clientcrypto.BlindIndex(p.keys, value)
}

func stringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T, want string", errs.ErrValidation, i, e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a string array", errs.ErrValidation, v)
	}
}
