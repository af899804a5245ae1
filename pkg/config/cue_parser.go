package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser compiles CUE configuration and checks it against the built-in
// schema.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &CUEParser{ctx: ctx, schemas: schemas}, nil
}

// Schemas returns the parser's schema registry.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// Parse compiles a single CUE document, unifies it with the schema and
// decodes it onto f. Fields missing from the document keep their value in f.
func (cp *CUEParser) Parse(name string, content []byte, f *File) []ValidationError {
	val := cp.ctx.CompileBytes(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return cp.convertCUEErrors(err)
	}
	return cp.decode(val, f)
}

// ParseFiles compiles every file and unifies them into one configuration, so
// a directory can split the configuration across files.
func (cp *CUEParser) ParseFiles(paths []string, f *File) []ValidationError {
	if len(paths) == 0 {
		return []ValidationError{{Message: "no CUE files found"}}
	}

	merged := cp.ctx.CompileString("{}")
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
		}
		val := cp.ctx.CompileBytes(content, cue.Filename(path))
		if err := val.Err(); err != nil {
			return cp.convertCUEErrors(err)
		}
		merged = merged.Unify(val)
		if err := merged.Err(); err != nil {
			return cp.convertCUEErrors(err)
		}
	}
	return cp.decode(merged, f)
}

func (cp *CUEParser) decode(val cue.Value, f *File) []ValidationError {
	unified, err := cp.schemas.Apply(val)
	if err != nil {
		return cp.convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return cp.convertCUEErrors(err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("failed to decode configuration: %v", err)}}
	}
	return nil
}

// convertCUEErrors converts CUE errors to a ValidationError slice. Positions
// inside the built-in schema are skipped in favour of the user's file.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == "schema.cue" {
				continue
			}
			file = pos.Filename()
			line = pos.Line()
			column = pos.Column()
			break
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

// cueFiles lists the .cue files directly inside dir in lexical order.
func cueFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".cue") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
