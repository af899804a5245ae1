package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file format.
type Format string

const (
	FormatCUE      Format = "cue"
	FormatYAML     Format = "yaml"
	FormatTOML     Format = "toml"
	FormatJSON     Format = "json"
	FormatStarlark Format = "starlark"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	case ".star", ".bzl":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported configuration format %q", filepath.Ext(path))
	}
}

// Load reads a configuration file, or a directory of .cue files, on top of
// Default and validates the result.
func Load(ctx context.Context, path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	if info.IsDir() {
		files, err := cueFiles(path)
		if err != nil {
			return nil, err
		}
		parser, err := NewCUEParser()
		if err != nil {
			return nil, err
		}
		f := Default()
		if issues := parser.ParseFiles(files, f); len(issues) > 0 {
			return nil, &LoadError{Source: path, Errors: issues}
		}
		return finish(path, f)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return LoadBytes(ctx, path, content, format)
}

// LoadBytes decodes content in the given format on top of Default and
// validates the result. name is used in error positions.
func LoadBytes(ctx context.Context, name string, content []byte, format Format) (*File, error) {
	f := Default()

	var issues []ValidationError
	switch format {
	case FormatCUE:
		parser, err := NewCUEParser()
		if err != nil {
			return nil, err
		}
		issues = parser.Parse(name, content, f)
	case FormatYAML:
		issues = decodeYAML(name, content, f)
	case FormatTOML:
		issues = decodeTOML(name, content, f)
	case FormatJSON:
		issues = decodeJSON(name, content, f)
	case FormatStarlark:
		issues = NewStarlarkEvaluator(10*time.Second).Evaluate(ctx, name, content, f)
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	if len(issues) > 0 {
		return nil, &LoadError{Source: name, Errors: issues}
	}
	return finish(name, f)
}

func finish(source string, f *File) (*File, error) {
	if err := f.Validate(); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Source = source
		}
		return nil, err
	}
	return f, nil
}

func decodeYAML(name string, content []byte, f *File) []ValidationError {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			issues := make([]ValidationError, len(typeErr.Errors))
			for i, msg := range typeErr.Errors {
				issues[i] = ValidationError{File: name, Message: msg}
			}
			return issues
		}
		return []ValidationError{{File: name, Message: err.Error()}}
	}
	return nil
}

func decodeTOML(name string, content []byte, f *File) []ValidationError {
	md, err := toml.Decode(string(content), f)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return []ValidationError{{
				File:    name,
				Line:    perr.Position.Line,
				Column:  perr.Position.Col,
				Message: perr.Message,
			}}
		}
		return []ValidationError{{File: name, Message: err.Error()}}
	}

	var issues []ValidationError
	for _, key := range md.Undecoded() {
		issues = append(issues, ValidationError{File: name, Path: key.String(), Message: "unknown field"})
	}
	return issues
}

func decodeJSON(name string, content []byte, f *File) []ValidationError {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			line, col := position(content, syntaxErr.Offset)
			return []ValidationError{{File: name, Line: line, Column: col, Message: syntaxErr.Error()}}
		}
		return []ValidationError{{File: name, Message: err.Error()}}
	}
	return nil
}

// position converts a byte offset into a 1-indexed line and column.
func position(content []byte, offset int64) (int, int) {
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	before := content[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := int(offset) - bytes.LastIndexByte(before, '\n')
	return line, col
}
