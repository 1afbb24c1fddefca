package schema

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadObject reads one object definition from a YAML file. The object
// name is the base name with the .object.yml/.yml suffix stripped,
// unless the document sets one.
func LoadObject(path string) (*Object, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return ParseObject(inferName(path), b)
}

// ParseObject decodes an object definition, filling in the given name
// when the document declares none. Unknown YAML keys are rejected so
// metadata typos surface at load time instead of silently dropping
// behaviour.
func ParseObject(name string, b []byte) (*Object, error) {
	var o Object
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("schema: object %s: %w", name, err)
	}
	if o.Name == "" {
		o.Name = name
	}
	for fieldName, f := range o.Fields {
		f.Name = fieldName
	}
	for actionName, a := range o.Actions {
		a.Name = actionName
		for paramName, p := range a.Params {
			p.Name = paramName
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// LoadDir loads every object file under dir, sorted by path so repeated
// loads observe the same order. Files ending in .role.yml load as roles
// through LoadRole instead and are skipped here.
func LoadDir(dir string) ([]*Object, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isObjectFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schema: walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	objects := make([]*Object, 0, len(paths))
	for _, path := range paths {
		o, err := LoadObject(path)
		if err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, nil
}

// LoadRole reads one role definition from a YAML file.
func LoadRole(path string) (*Role, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return ParseRole(inferName(path), b)
}

// ParseRole decodes a role definition with the same strictness as
// ParseObject.
func ParseRole(name string, b []byte) (*Role, error) {
	var r Role
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("schema: role %s: %w", name, err)
	}
	if r.Name == "" {
		r.Name = name
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func isObjectFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".role.yml") || strings.HasSuffix(base, ".role.yaml") {
		return false
	}
	for _, suffix := range []string{".yml", ".yaml"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

func inferName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, suffix := range []string{".object", ".role"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base
}
