// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instructions

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMissingParams is returned when required template parameters have no
	// value. It is a configuration error, not a conversation error.
	ErrMissingParams = errors.New("missing required instruction parameters")

	// ErrInvalidFrontMatter is returned when the YAML header cannot be parsed.
	ErrInvalidFrontMatter = errors.New("invalid instructions front matter")
)

// MissingParamsError lists the parameters that were required but unset.
type MissingParamsError struct {
	Missing []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingParams.Error(), strings.Join(e.Missing, ", "))
}

// Is reports whether target is ErrMissingParams.
func (e *MissingParamsError) Is(target error) bool {
	return target == ErrMissingParams
}

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is a parsed instructions file: an optional YAML front matter
// block followed by a text/template body.
//
//	---
//	required: [project]
//	defaults:
//	  tone: concise
//	---
//	You are helping with {{.project}}. Be {{.tone}}.
type Document struct {
	Path     string
	Required []string
	Defaults map[string]string
	Body     string
}

type frontMatter struct {
	Required []string          `yaml:"required"`
	Defaults map[string]string `yaml:"defaults"`
}

const fmDelimiter = "---"

// Parse splits front matter from the body and decodes it.
func Parse(data []byte) (*Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	doc := &Document{Defaults: map[string]string{}}

	if !strings.HasPrefix(text, fmDelimiter+"\n") {
		doc.Body = text
		return doc, nil
	}

	rest := text[len(fmDelimiter):]
	end := strings.Index(rest, "\n"+fmDelimiter)
	if end == -1 {
		return nil, fmt.Errorf("%w: missing closing %q", ErrInvalidFrontMatter, fmDelimiter)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrontMatter, err)
	}
	doc.Required = fm.Required
	for k, v := range fm.Defaults {
		doc.Defaults[k] = v
	}

	body := rest[end+1+len(fmDelimiter):]
	doc.Body = strings.TrimPrefix(body, "\n")
	return doc, nil
}

// LoadFile reads and parses an instructions file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instructions: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// Render fills the template. params override defaults; a required
// parameter without a non-empty value yields a *MissingParamsError.
func (d *Document) Render(params map[string]string) (string, error) {
	values := make(map[string]string, len(d.Defaults)+len(params))
	for k, v := range d.Defaults {
		values[k] = v
	}
	for k, v := range params {
		values[k] = v
	}

	var missing []string
	for _, name := range d.Required {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingParamsError{Missing: missing}
	}

	name := d.Path
	if name == "" {
		name = "instructions"
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(d.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse instructions template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("failed to render instructions: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// =============================================================================
// SYSTEM PROMPT
// =============================================================================

// defaultBody is used when no instructions file is configured.
const defaultBody = `---
defaults:
  assistant_name: ChatGeneral
---
You are {{.assistant_name}}, a general-purpose assistant that can fetch web
pages, run Python or shell scripts on the user's machine through a local
script server, and display web pages in the user's output panel.

When computation, data analysis or plotting would help, write a script and run
it. Save figures as image files (PNG preferred) in the current directory so
they are shown to the user. Keep scripts short and self-contained. Explain
what a script will do before running it; the user approves every run.`

// Default returns the built-in instructions.
func Default() *Document {
	doc, err := Parse([]byte(defaultBody))
	if err != nil {
		panic(err)
	}
	return doc
}

// Compose appends the tool descriptions to the rendered instructions.
func Compose(rendered, toolSection string) string {
	toolSection = strings.TrimSpace(toolSection)
	if toolSection == "" {
		return rendered
	}
	return rendered + "\n\n# Tools\n\n" + toolSection
}
