package core

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
)

var (
	ErrUnknownOption      = errors.New("unknown option")
	ErrInvalidOptionValue = errors.New("invalid option value")
)

// OptionType is the declared type of a plugin option.
type OptionType string

const (
	OptionBool   OptionType = "boolean"
	OptionString OptionType = "string"
	OptionURL    OptionType = "url"
)

// Option is one user-tunable plugin setting.
type Option struct {
	Name        string
	Type        OptionType
	Description string
	Help        string
	value       any
}

// Value returns the current typed value: bool, string or *url.URL.
func (o Option) Value() any { return o.value }

// String renders the current value the way it would be passed on the command line.
func (o Option) String() string {
	switch v := o.value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case *url.URL:
		if v == nil {
			return ""
		}
		return v.String()
	case string:
		return v
	default:
		return ""
	}
}

func parseOption(t OptionType, raw string) (any, error) {
	switch t {
	case OptionBool:
		return strconv.ParseBool(raw)
	case OptionURL:
		if raw == "" {
			return (*url.URL)(nil), nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%q is not an absolute URL", raw)
		}
		return u, nil
	default:
		return raw, nil
	}
}

// OptionList is an ordered set of options. It is safe for concurrent use.
type OptionList struct {
	mu      sync.RWMutex
	order   []string
	options map[string]*Option
}

func NewOptionList() *OptionList {
	return &OptionList{options: make(map[string]*Option)}
}

func (l *OptionList) add(o Option) *OptionList {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.options[o.Name]; !exists {
		l.order = append(l.order, o.Name)
	}
	l.options[o.Name] = &o
	return l
}

// AddBool declares a boolean option. The list is returned for chaining.
func (l *OptionList) AddBool(name string, def bool, description, help string) *OptionList {
	return l.add(Option{Name: name, Type: OptionBool, Description: description, Help: help, value: def})
}

func (l *OptionList) AddString(name, def, description, help string) *OptionList {
	return l.add(Option{Name: name, Type: OptionString, Description: description, Help: help, value: def})
}

// AddURL declares a URL option. def must be empty or an absolute URL.
func (l *OptionList) AddURL(name, def, description, help string) *OptionList {
	v, err := parseOption(OptionURL, def)
	if err != nil {
		panic(fmt.Sprintf("option %s: invalid default: %v", name, err))
	}
	return l.add(Option{Name: name, Type: OptionURL, Description: description, Help: help, value: v})
}

// Apply parses and sets values. Unknown names and unparsable values are
// rejected and leave every option unchanged.
func (l *OptionList) Apply(values map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	parsed := make(map[string]any, len(values))
	for name, raw := range values {
		opt, ok := l.options[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOption, name)
		}
		v, err := parseOption(opt.Type, raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q (%s): %v", ErrInvalidOptionValue, name, raw, opt.Type, err)
		}
		parsed[name] = v
	}
	for name, v := range parsed {
		l.options[name].value = v
	}
	return nil
}

// All returns a snapshot of the options in declaration order.
func (l *OptionList) All() []Option {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Option, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, *l.options[name])
	}
	return out
}

func (l *OptionList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func (l *OptionList) get(name string) any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if opt, ok := l.options[name]; ok {
		return opt.value
	}
	return nil
}

// Bool returns a boolean option, false when it is undeclared or not a bool.
func (l *OptionList) Bool(name string) bool {
	v, _ := l.get(name).(bool)
	return v
}

func (l *OptionList) StringValue(name string) string {
	v, _ := l.get(name).(string)
	return v
}

// URL returns a URL option or nil.
func (l *OptionList) URL(name string) *url.URL {
	v, _ := l.get(name).(*url.URL)
	return v
}
