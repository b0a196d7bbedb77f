package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// ValidationError is a positioned configuration error.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// cueLoader evaluates CUE files and packages against the deployment schema.
type cueLoader struct {
	schemas *SchemaRegistry
}

func newCUELoader() *cueLoader {
	return &cueLoader{schemas: NewSchemaRegistry()}
}

// load evaluates path, a .cue file or a directory holding a CUE package,
// and decodes it into a Config.
func (l *cueLoader) load(path string) (*Config, []ValidationError) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, []ValidationError{{File: path, Message: err.Error()}}
	}

	var val cue.Value
	var errs []ValidationError
	if info.IsDir() {
		val, errs = l.loadDirectory(path)
	} else {
		val, errs = l.loadFile(path)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return l.decode(val)
}

// loadString evaluates inline CUE source.
func (l *cueLoader) loadString(src, filename string) (*Config, []ValidationError) {
	val := l.schemas.Context().CompileString(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decode(val)
}

func (l *cueLoader) loadDirectory(dir string) (cue.Value, []ValidationError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := l.schemas.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (l *cueLoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := l.schemas.Context().CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode unifies val with #Deployment and decodes the concrete result.
func (l *cueLoader) decode(val cue.Value) (*Config, []ValidationError) {
	unified, err := l.schemas.Unify("deployment", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, []ValidationError{{Message: fmt.Sprintf("failed to decode configuration: %v", err)}}
	}
	return &cfg, nil
}

// convertCUEErrors flattens a CUE error into positioned errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
