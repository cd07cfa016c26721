// Package texts holds the user-facing copy, loaded from an embedded YAML
// catalog that a deployment can override key by key.
package texts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultCatalog []byte

// ErrMissingKey is returned when a catalog leaves a message empty.
var ErrMissingKey = errors.New("missing message")

// Catalog is the set of messages sent to visitors.
type Catalog struct {
	Welcome          string `yaml:"welcome"`
	NameInvalid      string `yaml:"name_invalid"`
	AskEmail         string `yaml:"ask_email"`
	EmailInvalid     string `yaml:"email_invalid"`
	AskHandle        string `yaml:"ask_handle"`
	HandleInvalid    string `yaml:"handle_invalid"`
	AskPermission    string `yaml:"ask_permission"`
	Generating       string `yaml:"generating"`
	StillGenerating  string `yaml:"still_generating"`
	Final            string `yaml:"final"`
	GenerationFailed string `yaml:"generation_failed"`
	ErrorHint        string `yaml:"error_hint"`
	AnswerFailed     string `yaml:"answer_failed"`
	ResetDone        string `yaml:"reset_done"`
	Corrupted        string `yaml:"corrupted"`
	TryAgain         string `yaml:"try_again"`
}

// Vars are the values substituted into placeholders.
type Vars struct {
	Name   string
	Handle string
	Reset  string
}

// Render substitutes {name}, {handle} and {reset} in msg.
func Render(msg string, v Vars) string {
	name := v.Name
	if name == "" {
		name = "você"
	}
	return strings.NewReplacer("{name}", name, "{handle}", v.Handle, "{reset}", v.Reset).Replace(msg)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	var c Catalog
	if err := yaml.Unmarshal(defaultCatalog, &c); err != nil {
		panic(fmt.Sprintf("texts: embedded catalog is invalid: %v", err))
	}
	return &c
}

// Load returns the embedded catalog with the messages of the YAML file at
// path layered on top. An empty path returns Default.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read texts file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse texts file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first empty message.
func (c *Catalog) Validate() error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if strings.TrimSpace(v.Field(i).String()) == "" {
			return fmt.Errorf("%w: %s", ErrMissingKey, t.Field(i).Tag.Get("yaml"))
		}
	}
	return nil
}
