// Package loader reads the resolution inputs: CUE requirement bundles
// and YAML deployment/device inventories.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/weftlabs/weft/internal/netgen"
)

// LoadMode controls error handling while loading a bundle.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects every error before returning, for
	// validate runs.
	LoadModeCollectAll
)

// Error codes attached to LoadError.
const (
	ErrCodeNotFound   = "E_NOT_FOUND"
	ErrCodeNoFiles    = "E_NO_FILES"
	ErrCodeLoadFailed = "E_LOAD_FAILED"
	ErrCodeBadField   = "E_BAD_FIELD"
)

// LoadError is a positioned loading error.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadRequirements loads every requirement declared under the
// top-level "requirements" struct of the CUE bundle in dir. The result
// is sorted by requirement name.
func LoadRequirements(dir string, mode LoadMode) ([]netgen.Requirement, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("requirements directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("access requirements directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("scan directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{positioned(ErrCodeLoadFailed, inst.Err)}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{positioned(ErrCodeLoadFailed, err)}
	}

	reqsVal := value.LookupPath(cue.ParsePath("requirements"))
	if !reqsVal.Exists() {
		return nil, []error{&LoadError{Code: ErrCodeBadField, Message: "bundle declares no top-level \"requirements\" struct"}}
	}
	iter, err := reqsVal.Fields()
	if err != nil {
		return nil, []error{positioned(ErrCodeBadField, err)}
	}

	var reqs []netgen.Requirement
	var errs []error
	for iter.Next() {
		r, rerr := compileRequirement(iter.Label(), iter.Value())
		if rerr != nil {
			errs = append(errs, rerr)
			if mode == LoadModeFailFast {
				return nil, errs
			}
			continue
		}
		reqs = append(reqs, r)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Name < reqs[j].Name })
	return reqs, nil
}

// compileRequirement extracts one requirement from its CUE struct.
func compileRequirement(name string, v cue.Value) (netgen.Requirement, error) {
	r := netgen.Requirement{Name: name}

	model, err := stringField(v, "model")
	if err != nil {
		return r, err
	}
	if model == "" {
		return r, &LoadError{Code: ErrCodeBadField, Message: fmt.Sprintf("requirement %q: missing required field \"model\"", name), Pos: v.Pos()}
	}
	r.Model = model

	if r.Selections, err = stringMapField(v, "selections"); err != nil {
		return r, err
	}
	if r.Args, err = stringMapField(v, "args"); err != nil {
		return r, err
	}
	if r.DeploymentHints, err = stringListField(v, "hints"); err != nil {
		return r, err
	}
	if r.Facets, err = stringListField(v, "facets"); err != nil {
		return r, err
	}
	if r.VersionConstraint, err = stringField(v, "version"); err != nil {
		return r, err
	}
	return r, nil
}

func stringField(v cue.Value, field string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", &LoadError{Code: ErrCodeBadField, Message: fmt.Sprintf("field %q must be a string: %v", field, err), Pos: f.Pos()}
	}
	return s, nil
}

func stringMapField(v cue.Value, field string) (map[string]string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.Fields()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBadField, Message: fmt.Sprintf("field %q must be a struct: %v", field, err), Pos: f.Pos()}
	}
	out := make(map[string]string)
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &LoadError{Code: ErrCodeBadField, Message: fmt.Sprintf("field %q.%s must be a string: %v", field, iter.Label(), err), Pos: iter.Value().Pos()}
		}
		out[iter.Label()] = s
	}
	return out, nil
}

func stringListField(v cue.Value, field string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBadField, Message: fmt.Sprintf("field %q must be a list: %v", field, err), Pos: f.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &LoadError{Code: ErrCodeBadField, Message: fmt.Sprintf("field %q entries must be strings: %v", field, err), Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

// positioned wraps a CUE error with its first source position.
func positioned(code string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) > 0 {
		if positions := cueerrors.Positions(errs[0]); len(positions) > 0 {
			return &LoadError{Code: code, Message: errs[0].Error(), Pos: positions[0]}
		}
	}
	return &LoadError{Code: code, Message: err.Error()}
}

// findCUEFiles lists the .cue files under dir, skipping hidden entries.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".cue") && !strings.HasPrefix(d.Name(), ".") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
