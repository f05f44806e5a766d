// Package eval loads resource definitions from JSON, YAML or Pkl files.
package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apple/pkl-go/pkl"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/reconcilr/internal/engine"
	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
)

// Resource is one entry of a definitions document.
type Resource struct {
	// Key addresses stored state; empty means "<type>/<name>".
	Key        string         `json:"key,omitempty" yaml:"key,omitempty"`
	Type       string         `json:"type" yaml:"type" validate:"required"`
	Definition map[string]any `json:"definition" yaml:"definition" validate:"required"`
	DependsOn  []string       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Wait       bool           `json:"wait,omitempty" yaml:"wait,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
}

// Document is a set of resources reconciled together.
type Document struct {
	Resources []Resource `json:"resources" yaml:"resources" validate:"dive"`
}

// Jobs turns the document into engine jobs running action.
func (d *Document) Jobs(action ir.Action) []engine.Job {
	jobs := make([]engine.Job, 0, len(d.Resources))
	for _, r := range d.Resources {
		timeout, _ := time.ParseDuration(r.Timeout)
		jobs = append(jobs, engine.Job{
			Key:        r.Key,
			Type:       r.Type,
			Definition: ir.Definition(r.Definition),
			Action:     action,
			DependsOn:  r.DependsOn,
			Wait:       r.Wait,
			Timeout:    timeout,
		})
	}
	return jobs
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Evaluator reads definition files. Pkl modules are resolved relative to
// the project directory.
type Evaluator struct {
	projectDir string
	properties map[string]string
}

// NewEvaluator returns an evaluator rooted at projectDir. properties are
// exposed to Pkl modules as external properties.
func NewEvaluator(projectDir string, properties map[string]string) *Evaluator {
	return &Evaluator{projectDir: projectDir, properties: properties}
}

// LoadDocument evaluates path into a Document.
func (e *Evaluator) LoadDocument(ctx context.Context, path string) (*Document, error) {
	raw, err := e.render(ctx, path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.ParseError(err, "decode "+path, raw)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fault.Configurationf("invalid definitions in %s: %v", path, err)
	}
	return &doc, nil
}

// LoadDefinition reads a single definition. arg is either inline JSON or a
// path to a JSON, YAML or Pkl file.
func (e *Evaluator) LoadDefinition(ctx context.Context, arg string) (ir.Definition, error) {
	var raw []byte
	if trimmed := strings.TrimSpace(arg); strings.HasPrefix(trimmed, "{") {
		raw = []byte(trimmed)
	} else {
		var err error
		if raw, err = e.render(ctx, arg); err != nil {
			return nil, err
		}
	}

	var def ir.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fault.ParseError(err, "decode definition", raw)
	}
	if def == nil {
		return nil, fault.Configurationf("definition %s is empty", arg)
	}
	return def, nil
}

// render turns path into JSON, whatever its format.
func (e *Evaluator) render(ctx context.Context, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pkl":
		return e.renderPkl(ctx, path)
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return yamlToJSON(data, path)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return bytes.TrimSpace(data), nil
	default:
		return nil, fault.Configurationf("unsupported definition format %q (want .json, .yaml or .pkl)", filepath.Ext(path))
	}
}

// yamlToJSON re-encodes YAML so both formats decode to the same Go types.
func yamlToJSON(data []byte, path string) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fault.ParseError(err, "decode "+path, data)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to JSON: %w", path, err)
	}
	return out, nil
}

func (e *Evaluator) renderPkl(ctx context.Context, path string) ([]byte, error) {
	dir := e.projectDir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){
		pkl.PreconfiguredOptions,
		func(o *pkl.EvaluatorOptions) {
			o.OutputFormat = "json"
			if len(e.properties) == 0 {
				return
			}
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range e.properties {
				o.Properties[k] = v
			}
		},
	}

	var evaluator pkl.Evaluator
	if _, statErr := os.Stat(filepath.Join(abs, "PklProject")); statErr == nil {
		u, err := url.Parse("file://" + abs + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Pkl evaluator: %w", err)
		}
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Pkl evaluator: %w", err)
		}
	}
	defer evaluator.Close()

	out, err := evaluator.EvaluateOutputText(ctx, pkl.FileSource(path))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	return []byte(out), nil
}
