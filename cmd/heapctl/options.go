package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"
)

const (
	safeLinkingAuto = "auto"
	safeLinkingOn   = "on"
	safeLinkingOff  = "off"

	defaultListen = "127.0.0.1:8080"
)

// options configures the target and how it is interpreted. Every
// field can be set in the YAML config file or with the flag of the
// same name. Flags win.
type options struct {
	PID     int     `yaml:"pid"`
	Core    string  `yaml:"core"`
	Raw     string  `yaml:"raw"`
	RawBase address `yaml:"raw_base"`

	Arch        string  `yaml:"arch"`
	Glibc       string  `yaml:"glibc"`
	Arena       address `yaml:"arena"`
	Tcache      address `yaml:"tcache"`
	Heap        address `yaml:"heap"`
	SafeLinking string  `yaml:"safe_linking"`
	StepCap     int     `yaml:"step_cap"`

	Listen  string `yaml:"listen"`
	NoColor bool   `yaml:"no_color"`
}

func (o options) validate() error {
	sources := 0
	if o.PID != 0 {
		sources++
	}
	if o.Core != "" {
		sources++
	}
	if o.Raw != "" {
		sources++
	}

	switch {
	case sources == 0:
		return errors.New("no target specified (use --pid, --core, or --raw)")
	case sources > 1:
		return errors.New("only one of --pid, --core, or --raw may be specified")
	}

	switch o.SafeLinking {
	case safeLinkingAuto, safeLinkingOn, safeLinkingOff:
	default:
		return errors.Newf("invalid safe linking mode %q (expected %s, %s, or %s)",
			o.SafeLinking, safeLinkingAuto, safeLinkingOn, safeLinkingOff)
	}

	if o.StepCap < 0 {
		return errors.Newf("step cap cannot be negative: %d", o.StepCap)
	}

	return nil
}

// loadOptionsFile reads options from a YAML file.
func loadOptionsFile(path string) (options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return options{}, errors.Wrapf(err, "failed to read config file %q", path)
	}

	var opts options
	err = yaml.UnmarshalStrict(raw, &opts)
	if err != nil {
		return options{}, errors.Wrapf(err, "failed to parse config file %q", path)
	}

	return opts, nil
}

// merge copies the non-zero fields of file into o, unless the
// corresponding flag was set.
func (o *options) merge(file options, changed func(flag string) bool) {
	pick(&o.PID, file.PID, "pid", changed)
	pick(&o.Core, file.Core, "core", changed)
	pick(&o.Raw, file.Raw, "raw", changed)
	pick(&o.RawBase, file.RawBase, "raw-base", changed)
	pick(&o.Arch, file.Arch, "arch", changed)
	pick(&o.Glibc, file.Glibc, "glibc", changed)
	pick(&o.Arena, file.Arena, "arena", changed)
	pick(&o.Tcache, file.Tcache, "tcache", changed)
	pick(&o.Heap, file.Heap, "heap", changed)
	pick(&o.SafeLinking, file.SafeLinking, "safe-linking", changed)
	pick(&o.StepCap, file.StepCap, "step-cap", changed)
	pick(&o.Listen, file.Listen, "listen", changed)
	pick(&o.NoColor, file.NoColor, "no-color", changed)
}

func pick[T comparable](dst *T, src T, flag string, changed func(string) bool) {
	var zero T
	if src != zero && !changed(flag) {
		*dst = src
	}
}

// address is a target address. It accepts the same notation as
// strconv.ParseUint with a base of zero, so hex needs a "0x" prefix.
type address uint64

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, errors.Newf("invalid address %q", s)
	}
	return v, nil
}

func (o *address) Set(s string) error {
	v, err := parseAddress(s)
	if err != nil {
		return err
	}
	*o = address(v)
	return nil
}

func (o *address) String() string {
	if *o == 0 {
		return ""
	}
	return fmt.Sprintf("0x%x", uint64(*o))
}

func (o *address) Type() string {
	return "address"
}

func (o *address) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	err := unmarshal(&s)
	if err != nil {
		return err
	}
	return o.Set(s)
}
