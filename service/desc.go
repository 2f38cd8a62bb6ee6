package service

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"remote-signal/message"
)

// Desc describes one service interface: the methods peers may call on it
// and the signals it sends to peers.
//
//	name: Hello
//	methods:
//	  - name: setName
//	    params: [{name: name, type: string}]
//	signals:
//	  - name: greeting
//	    params: [{name: text, type: string}]
type Desc struct {
	Name    string       `yaml:"name"`
	Methods []MethodDesc `yaml:"methods"`
	Signals []MethodDesc `yaml:"signals"`
}

type MethodDesc struct {
	Name   string      `yaml:"name"`
	Params []ParamDesc `yaml:"params"`
}

// ParamDesc names a parameter and its type: int, float, string, bool, bytes,
// list, map or any.
type ParamDesc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// typeAny is the schema name for "accept whatever arrives".
const typeAny = "any"

// ValueType resolves the declared type. "any" maps to message.TypeNull,
// which Value.Convert treats as no conversion.
func (p ParamDesc) ValueType() (message.Type, error) {
	name := strings.ToLower(strings.TrimSpace(p.Type))
	if name == typeAny || name == "" {
		return message.TypeNull, nil
	}
	t, ok := message.ParseType(name)
	if !ok || t == message.TypeNull {
		return message.TypeNull, errors.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
	}
	return t, nil
}

// LoadDesc reads a YAML service description from path.
func LoadDesc(path string) (*Desc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read service description")
	}
	d, err := ParseDesc(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return d, nil
}

// ParseDesc decodes and validates a YAML service description.
func ParseDesc(data []byte) (*Desc, error) {
	var d Desc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "parse service description")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate rejects empty or duplicate names and unknown parameter types.
func (d *Desc) Validate() error {
	if d.Name == "" {
		return errors.New("service description without name")
	}
	if err := validateMethods(d.Methods, "method"); err != nil {
		return errors.Wrapf(err, "service %s", d.Name)
	}
	if err := validateMethods(d.Signals, "signal"); err != nil {
		return errors.Wrapf(err, "service %s", d.Name)
	}
	return nil
}

func validateMethods(methods []MethodDesc, what string) error {
	seen := make(map[string]bool, len(methods))
	for _, m := range methods {
		if m.Name == "" {
			return errors.Errorf("%s without name", what)
		}
		if seen[m.Name] {
			return errors.Errorf("duplicate %s %q", what, m.Name)
		}
		seen[m.Name] = true

		params := make(map[string]bool, len(m.Params))
		for _, p := range m.Params {
			if p.Name == "" {
				return errors.Errorf("%s %q: parameter without name", what, m.Name)
			}
			if params[p.Name] {
				return errors.Errorf("%s %q: duplicate parameter %q", what, m.Name, p.Name)
			}
			params[p.Name] = true
			if _, err := p.ValueType(); err != nil {
				return errors.Wrapf(err, "%s %q", what, m.Name)
			}
		}
	}
	return nil
}

// Method returns the method named name.
func (d *Desc) Method(name string) (MethodDesc, bool) {
	return findMethod(d.Methods, name)
}

// Signal returns the signal named name.
func (d *Desc) Signal(name string) (MethodDesc, bool) {
	return findMethod(d.Signals, name)
}

func findMethod(methods []MethodDesc, name string) (MethodDesc, bool) {
	for _, m := range methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDesc{}, false
}
