// Package roster lists the implementations a run drives and how to launch
// each adapter.
package roster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ihop/internal/adapter"
)

// ExecPrefix marks an -i value as a local command rather than an image.
const ExecPrefix = "exec:"

// Entry is one implementation under test.
type Entry struct {
	Name         string            `yaml:"name"`
	Image        string            `yaml:"image,omitempty"`
	Command      []string          `yaml:"command,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	StartTimeout time.Duration     `yaml:"start_timeout,omitempty"`
	RunTimeout   time.Duration     `yaml:"run_timeout,omitempty"`
}

// Target converts the entry into what a launcher needs.
func (e Entry) Target() adapter.Target {
	return adapter.Target{Name: e.Name, Image: e.Image, Command: e.Command, Env: e.Env}
}

// Timeouts applies the entry's overrides to base.
func (e Entry) Timeouts(base adapter.Timeouts) adapter.Timeouts {
	if e.StartTimeout > 0 {
		base.Start = e.StartTimeout
	}
	if e.RunTimeout > 0 {
		base.Run = e.RunTimeout
	}
	return base
}

// Roster is an ordered, name-unique list of entries.
type Roster struct {
	Implementations []Entry `yaml:"implementations"`
}

// Load reads a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	r, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes a roster, rejecting unknown fields.
func Parse(r io.Reader) (*Roster, error) {
	var roster Roster
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&roster); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}
	return &roster, nil
}

// Validate checks every entry and name uniqueness.
func (r *Roster) Validate() error {
	seen := make(map[string]bool, len(r.Implementations))
	for i, e := range r.Implementations {
		if err := validateEntry(e); err != nil {
			return fmt.Errorf("implementations[%d]: %w", i, err)
		}
		if seen[e.Name] {
			return fmt.Errorf("implementations[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func validateEntry(e Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("name is required")
	}
	hasImage := e.Image != ""
	hasCommand := len(e.Command) > 0
	switch {
	case hasImage && hasCommand:
		return fmt.Errorf("%s: set either image or command, not both", e.Name)
	case !hasImage && !hasCommand:
		return fmt.Errorf("%s: one of image or command is required", e.Name)
	case hasCommand && e.Command[0] == "":
		return fmt.Errorf("%s: command must start with a program", e.Name)
	}
	if e.StartTimeout < 0 || e.RunTimeout < 0 {
		return fmt.Errorf("%s: timeouts must not be negative", e.Name)
	}
	return nil
}

// Add appends entries, keeping names unique.
func (r *Roster) Add(entries ...Entry) error {
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		if _, ok := r.Lookup(e.Name); ok {
			return fmt.Errorf("duplicate implementation %q", e.Name)
		}
		r.Implementations = append(r.Implementations, e)
	}
	return nil
}

// Lookup finds an entry by name.
func (r *Roster) Lookup(name string) (Entry, bool) {
	for _, e := range r.Implementations {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Names returns entry names in roster order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.Implementations))
	for i, e := range r.Implementations {
		out[i] = e.Name
	}
	return out
}

// ParseImplementation turns an -i value into an entry.
//
//	exec:./adapter --flag           local command, named after the program
//	ghcr.io/org/go-jsonschema:v1    container image, named "go-jsonschema"
//	go-jsonschema                   image under repository
func ParseImplementation(value, repository string) (Entry, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Entry{}, errors.New("empty implementation")
	}

	if rest, ok := strings.CutPrefix(value, ExecPrefix); ok {
		argv := strings.Fields(rest)
		if len(argv) == 0 {
			return Entry{}, fmt.Errorf("%q: no command after %s", value, ExecPrefix)
		}
		return Entry{Name: path.Base(argv[0]), Command: argv}, nil
	}

	image := value
	if !strings.Contains(image, "/") && repository != "" {
		image = strings.TrimSuffix(repository, "/") + "/" + image
	}
	return Entry{Name: imageName(image), Image: image}, nil
}

// imageName is the last path element of an image reference without its tag
// or digest.
func imageName(image string) string {
	name := path.Base(image)
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}
