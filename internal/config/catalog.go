package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog models forms.yml: the locally-defined HTML forms the site
// templates render, keyed by local form id.
type Catalog map[string]LocalForm

type LocalForm struct {
	Label       string                `yaml:"label"`
	Description string                `yaml:"description,omitempty"`
	Fields      map[string]LocalField `yaml:"fields"`
}

type LocalField struct {
	Type  string `yaml:"type"`
	Label string `yaml:"label,omitempty"`
}

// LoadCatalog reads the local form catalog. A missing file is not an
// error: the site simply defines no forms yet.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Catalog{}, nil
		}
		return nil, err
	}
	return CatalogFromYAML(data)
}

// CatalogFromYAML parses a catalog from raw YAML bytes.
func CatalogFromYAML(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid forms yaml: %w", err)
	}
	if c == nil {
		c = Catalog{}
	}
	return c, nil
}

// FormFields returns the field descriptors of one local form, empty
// when the form is unknown.
func (c Catalog) FormFields(localFormID string) map[string]LocalField {
	if form, ok := c[localFormID]; ok && form.Fields != nil {
		return form.Fields
	}
	return map[string]LocalField{}
}
