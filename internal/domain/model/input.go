package model

import (
	"encoding/json"
	"slices"
	"strings"
)

// JobInput is the structured argument set of a job.
//
// Arguments keep their order. Options (--name[=value]) and shortcuts (-s[=value])
// are unordered and always rendered key-sorted. A nil value means a bare flag.
type JobInput struct {
	Arguments []string           `json:"arguments"`
	Options   map[string]*string `json:"options"`
	Shortcuts map[string]*string `json:"shortcuts"`
}

// ParseInput parses a command-line style argument vector. Everything after a bare
// "--" is treated as a positional argument.
func ParseInput(argv []string) JobInput {
	in := JobInput{}
	positionalOnly := false

	for _, tok := range argv {
		switch {
		case positionalOnly:
			in.AddArgument(tok)
		case tok == "--":
			positionalOnly = true
		case strings.HasPrefix(tok, "--") && len(tok) > 2:
			name, value := splitFlag(tok[2:])
			in.SetOption(name, value)
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			name, value := splitFlag(tok[1:])
			in.SetShortcut(name, value)
		default:
			in.AddArgument(tok)
		}
	}
	return in
}

func splitFlag(s string) (string, *string) {
	name, value, found := strings.Cut(s, "=")
	if !found {
		return name, nil
	}
	return name, &value
}

// AddArgument appends a positional argument.
func (in *JobInput) AddArgument(arg string) {
	in.Arguments = append(in.Arguments, arg)
}

// SetOption sets --name[=value].
func (in *JobInput) SetOption(name string, value *string) {
	if in.Options == nil {
		in.Options = make(map[string]*string)
	}
	in.Options[name] = value
}

// SetShortcut sets -name[=value].
func (in *JobInput) SetShortcut(name string, value *string) {
	if in.Shortcuts == nil {
		in.Shortcuts = make(map[string]*string)
	}
	in.Shortcuts[name] = value
}

// Option returns the value of an option and whether it is set.
func (in JobInput) Option(name string) (string, bool) {
	v, ok := in.Options[name]
	if !ok {
		return "", false
	}
	if v == nil {
		return "", true
	}
	return *v, true
}

// Argv renders the input back into an argument vector that ParseInput accepts.
func (in JobInput) Argv() []string {
	argv := make([]string, 0, len(in.Options)+len(in.Shortcuts)+len(in.Arguments)+1)
	argv = appendFlags(argv, "--", in.Options)
	argv = appendFlags(argv, "-", in.Shortcuts)

	needsSeparator := false
	for _, a := range in.Arguments {
		if strings.HasPrefix(a, "-") {
			needsSeparator = true
			break
		}
	}
	if needsSeparator {
		argv = append(argv, "--")
	}
	return append(argv, in.Arguments...)
}

func appendFlags(argv []string, prefix string, flags map[string]*string) []string {
	for _, name := range sortedKeys(flags) {
		v := flags[name]
		if v == nil {
			argv = append(argv, prefix+name)
			continue
		}
		argv = append(argv, prefix+name+"="+*v)
	}
	return argv
}

func sortedKeys(m map[string]*string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// String renders the input the way it appears on a command line.
func (in JobInput) String() string {
	return strings.Join(in.Argv(), " ")
}

// MarshalJSON writes a stable encoding: empty collections are emitted, map keys are sorted.
func (in JobInput) MarshalJSON() ([]byte, error) {
	type wire struct {
		Arguments []string           `json:"arguments"`
		Options   map[string]*string `json:"options"`
		Shortcuts map[string]*string `json:"shortcuts"`
	}
	w := wire{Arguments: in.Arguments, Options: in.Options, Shortcuts: in.Shortcuts}
	if w.Arguments == nil {
		w.Arguments = []string{}
	}
	if w.Options == nil {
		w.Options = map[string]*string{}
	}
	if w.Shortcuts == nil {
		w.Shortcuts = map[string]*string{}
	}
	return json.Marshal(w)
}

// Signature returns a canonical form of the input used for equality checks.
func (in JobInput) Signature() string {
	b, err := in.MarshalJSON()
	if err != nil {
		return in.String()
	}
	return string(b)
}

// Equal reports whether two inputs describe the same invocation.
func (in JobInput) Equal(other JobInput) bool {
	return in.Signature() == other.Signature()
}
