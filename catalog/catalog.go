// Package catalog describes which edits each face-editing model supports and
// the factor range permitted for every editing method.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrUnknownMethod = errors.New("unknown method")
	ErrUnknownEdit   = errors.New("unknown edit")
	ErrOutOfRange    = errors.New("factor out of range")
)

// Range is the inclusive factor range of a method.
type Range struct {
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
	Step float64 `yaml:"step" json:"step"`
}

// Contains reports whether f lies within the range.
func (r Range) Contains(f float64) bool {
	return r.Min <= f && f <= r.Max
}

// Method is one editing method of a model. A method with a Prefix accepts
// generated edit names (e.g. text-driven edits) instead of a fixed list.
type Method struct {
	Name   string   `yaml:"name" json:"name"`
	Range  *Range   `yaml:"range,omitempty" json:"range,omitempty"`
	Edits  []string `yaml:"edits,omitempty" json:"edits,omitempty"`
	Prefix string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Allows reports whether edit is a valid edit name for the method.
func (m Method) Allows(edit string) bool {
	if m.Prefix != "" && strings.HasPrefix(edit, m.Prefix) {
		return true
	}
	return slices.Contains(m.Edits, edit)
}

type Model struct {
	Image   string   `yaml:"image" json:"image"`
	Methods []Method `yaml:"methods" json:"methods"`
}

type Catalog struct {
	Models map[string]Model `yaml:"models" json:"models"`
}

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path, or returns the default catalog when path
// is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(c.Models) == 0 {
		return nil, errors.New("catalog: no models defined")
	}

	for name, model := range c.Models {
		if len(model.Methods) == 0 {
			return nil, fmt.Errorf("catalog: model %q has no methods", name)
		}
		for _, m := range model.Methods {
			if m.Name == "" {
				return nil, fmt.Errorf("catalog: model %q has a method without a name", name)
			}
			if len(m.Edits) == 0 && m.Prefix == "" {
				return nil, fmt.Errorf("catalog: method %s/%s has no edits", name, m.Name)
			}
			if m.Range != nil && m.Range.Min > m.Range.Max {
				return nil, fmt.Errorf("catalog: method %s/%s has min > max", name, m.Name)
			}
		}
	}

	return &c, nil
}

// ModelNames returns the configured model names in sorted order.
func (c *Catalog) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) model(name string) (Model, error) {
	m, ok := c.Models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s (available: %s)", ErrUnknownModel, name, strings.Join(c.ModelNames(), ", "))
	}
	return m, nil
}

// Image returns the runner container image configured for a model.
func (c *Catalog) Image(model string) string {
	return c.Models[model].Image
}

// Methods returns the method names of a model in declaration order. The
// first entry is the default method.
func (c *Catalog) Methods(model string) ([]string, error) {
	m, err := c.model(model)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(m.Methods))
	for _, method := range m.Methods {
		names = append(names, method.Name)
	}
	return names, nil
}

func (c *Catalog) Method(model, method string) (Method, error) {
	m, err := c.model(model)
	if err != nil {
		return Method{}, err
	}

	for _, candidate := range m.Methods {
		if candidate.Name == method {
			return candidate, nil
		}
	}
	return Method{}, fmt.Errorf("%w: %s/%s", ErrUnknownMethod, model, method)
}

// Edits returns the fixed edit names of a method. The first entry is the
// default edit.
func (c *Catalog) Edits(model, method string) ([]string, error) {
	m, err := c.Method(model, method)
	if err != nil {
		return nil, err
	}
	return m.Edits, nil
}

// Range returns the factor range of a method. ok is false when the method
// does not restrict its factor.
func (c *Catalog) Range(model, method string) (r Range, ok bool, err error) {
	m, err := c.Method(model, method)
	if err != nil {
		return Range{}, false, err
	}
	if m.Range == nil {
		return Range{}, false, nil
	}
	return *m.Range, true, nil
}

// Validate checks an edit name and factor against the method metadata.
func (c *Catalog) Validate(model, method, edit string, factor float64) error {
	m, err := c.Method(model, method)
	if err != nil {
		return err
	}
	if !m.Allows(edit) {
		return fmt.Errorf("%w: %q is not available for method %q", ErrUnknownEdit, edit, method)
	}
	if m.Range != nil && !m.Range.Contains(factor) {
		return fmt.Errorf("%w: %v is out of range [%v, %v] for method %q", ErrOutOfRange, factor, m.Range.Min, m.Range.Max, method)
	}
	return nil
}

// MethodFor returns the first method of model that allows edit.
func (c *Catalog) MethodFor(model, edit string) (Method, error) {
	m, err := c.model(model)
	if err != nil {
		return Method{}, err
	}

	for _, method := range m.Methods {
		if method.Allows(edit) {
			return method, nil
		}
	}
	return Method{}, fmt.Errorf("%w: %q for model %q", ErrUnknownEdit, edit, model)
}
