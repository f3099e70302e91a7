// Package errs holds the pipeline failure taxonomy. Callers branch on the
// sentinels with errors.Is to tell "skip and continue" from "abort".
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchema marks an input file that failed validation; the file is skipped.
	ErrSchema = errors.New("schema validation failed")
	// ErrMappingUnavailable marks a missing or unreadable mapping file.
	ErrMappingUnavailable = errors.New("mapping unavailable")
	// ErrUnresolvedKey marks entity or unit codes that could not be mapped.
	ErrUnresolvedKey = errors.New("unresolved key")
	// ErrPersistence marks a failed write to the destination store; fatal.
	ErrPersistence = errors.New("persistence failed")
)

type SchemaError struct {
	File   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s: %s", e.File, e.Reason)
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

func Schema(file, format string, args ...any) error {
	return &SchemaError{File: file, Reason: fmt.Sprintf(format, args...)}
}

type MappingUnavailableError struct {
	Name string
	Path string
	Err  error
}

func (e *MappingUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mapping %s unavailable (%s)", e.Name, e.Path)
	}
	return fmt.Sprintf("mapping %s unavailable (%s): %v", e.Name, e.Path, e.Err)
}

func (e *MappingUnavailableError) Is(target error) bool {
	return target == ErrMappingUnavailable
}

func (e *MappingUnavailableError) Unwrap() error {
	return e.Err
}

// UnresolvedKeyError reports codes that could not be mapped. It is logged,
// never returned up as a run failure.
type UnresolvedKeyError struct {
	Kind   string
	Count  int
	Sample []string
}

func (e *UnresolvedKeyError) Error() string {
	return fmt.Sprintf("%d unresolved %s keys (sample: %s)", e.Count, e.Kind, strings.Join(e.Sample, ", "))
}

func (e *UnresolvedKeyError) Is(target error) bool {
	return target == ErrUnresolvedKey
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Sampler collects up to Limit distinct values in first-seen order.
type Sampler struct {
	Limit  int
	count  int
	seen   map[string]struct{}
	sample []string
}

func NewSampler(limit int) *Sampler {
	return &Sampler{Limit: limit, seen: make(map[string]struct{})}
}

func (s *Sampler) Add(value string) {
	s.count++
	if _, ok := s.seen[value]; ok {
		return
	}
	s.seen[value] = struct{}{}
	if len(s.sample) < s.Limit {
		s.sample = append(s.sample, value)
	}
}

func (s *Sampler) Count() int {
	return s.count
}

func (s *Sampler) Sample() []string {
	out := make([]string, len(s.sample))
	copy(out, s.sample)
	return out
}

// Unresolved returns nil when nothing was recorded.
func (s *Sampler) Unresolved(kind string) error {
	if s.count == 0 {
		return nil
	}
	return &UnresolvedKeyError{Kind: kind, Count: s.count, Sample: s.Sample()}
}
