package service

import "remote-signal/message"

// Args gives a handler typed access to the parameters of one call. Every
// accessor fails with an *IncorrectMethodError naming the parameter when it
// is missing or cannot be coerced.
type Args struct {
	service string
	method  string
	params  message.Map
}

// NewArgs wraps params of a call to service.method.
func NewArgs(service, method string, params message.Map) Args {
	return Args{service: service, method: method, params: params}
}

func (a Args) Service() string { return a.service }
func (a Args) Method() string  { return a.method }

// Params returns a copy of all parameters.
func (a Args) Params() message.Map { return a.params.Clone() }

func (a Args) Has(name string) bool {
	_, ok := a.params.Get(name)
	return ok
}

func (a Args) Value(name string) (message.Value, error) {
	v, ok := a.params.Get(name)
	if !ok {
		return message.Null(), IncorrectMethod(a.service, a.method, "missing parameter %q", name)
	}
	return v.Clone(), nil
}

func (a Args) Int(name string) (int64, error) {
	v, err := a.lookup(name)
	if err != nil {
		return 0, err
	}
	n, err := v.AsInt()
	return n, a.wrap(name, err)
}

func (a Args) Float(name string) (float64, error) {
	v, err := a.lookup(name)
	if err != nil {
		return 0, err
	}
	f, err := v.AsFloat()
	return f, a.wrap(name, err)
}

func (a Args) String(name string) (string, error) {
	v, err := a.lookup(name)
	if err != nil {
		return "", err
	}
	s, err := v.AsString()
	return s, a.wrap(name, err)
}

func (a Args) Bool(name string) (bool, error) {
	v, err := a.lookup(name)
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	return b, a.wrap(name, err)
}

func (a Args) Bytes(name string) ([]byte, error) {
	v, err := a.lookup(name)
	if err != nil {
		return nil, err
	}
	b, err := v.AsBytes()
	return b, a.wrap(name, err)
}

func (a Args) List(name string) ([]message.Value, error) {
	v, err := a.lookup(name)
	if err != nil {
		return nil, err
	}
	l, err := v.AsList()
	return l, a.wrap(name, err)
}

func (a Args) Map(name string) (message.Map, error) {
	v, err := a.lookup(name)
	if err != nil {
		return nil, err
	}
	m, err := v.AsMap()
	return m, a.wrap(name, err)
}

func (a Args) lookup(name string) (message.Value, error) {
	v, ok := a.params.Get(name)
	if !ok {
		return v, IncorrectMethod(a.service, a.method, "missing parameter %q", name)
	}
	return v, nil
}

func (a Args) wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	return IncorrectMethod(a.service, a.method, "parameter %q: %v", name, err)
}
