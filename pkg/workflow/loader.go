package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/gohpc/internal/assets/schemas"
)

// ErrSchemaNotFound indicates the embedded manifest schema is missing.
var ErrSchemaNotFound = errors.New("workflow manifest schema not found")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// Load reads, defaults and validates a manifest file.
//
// The format is chosen by extension: .yaml/.yml for YAML, .json for JSON.
// Other extensions try YAML first, then JSON. Unknown fields are rejected in
// both formats. Relative paths in the manifest resolve against the directory
// holding the file.
func Load(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read workflow manifest: %w", err)
	}
	return decode(data, path, filepath.Dir(abs))
}

// LoadFromBytes parses, defaults and validates a manifest. path only picks
// the format; relative paths resolve against the working directory.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return decode(data, path, wd)
}

// LoadFromReader reads a manifest from r. See LoadFromBytes.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workflow manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func decode(data []byte, path, baseDir string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("workflow manifest is empty")
	}
	var (
		m      Manifest
		err    error
		isJSON bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		isJSON = true
		err = decodeJSON(data, &m)
	case ".yaml", ".yml":
		err = decodeYAML(data, &m)
	default:
		if err = decodeYAML(data, &m); err != nil {
			m = Manifest{}
			if jsonErr := decodeJSON(data, &m); jsonErr == nil {
				err = nil
				isJSON = true
			}
		}
	}
	if err != nil {
		return nil, err
	}

	raw := data
	if !isJSON {
		if raw, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}
	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}

	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.baseDir = baseDir
	return &m, nil
}

func decodeJSON(data []byte, m *Manifest) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("workflow manifest is not valid JSON: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, m *Manifest) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("workflow manifest is not valid YAML: %w", err)
	}
	return nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow manifest is not valid YAML: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert workflow manifest to JSON: %w", err)
	}
	return b, nil
}

// ValidateRaw checks a JSON document against the workflow manifest schema.
// Schema errors come back as ValidationErrors with JSON pointer paths.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.WorkflowManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.WorkflowManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile workflow manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Marshal renders m as YAML, for "workflow validate --print".
func Marshal(m *Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}
