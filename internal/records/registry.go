package records

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrTypeMismatch = errors.New("record type mismatch")

// TypeMismatchError reports a kind the registry has no mapping for, or a
// document whose stored kind does not match the requested one. This is a
// programming error and is never retried.
type TypeMismatchError struct {
	Kind   Kind
	Reason string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("record type %q: %s", e.Kind, e.Reason)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}

// DecodeFunc turns a stored document body back into a typed record.
type DecodeFunc func(data []byte) (Record, error)

// Registry maps a kind tag to its decode function. All built-in kinds are
// registered at construction so an unknown tag is caught immediately
// rather than at first use.
type Registry struct {
	decoders map[Kind]DecodeFunc
}

func NewRegistry() *Registry {
	r := &Registry{decoders: map[Kind]DecodeFunc{}}
	mustRegister(r, KindMessage, func(data []byte) (Record, error) {
		var v Message
		return &v, json.Unmarshal(data, &v)
	})
	mustRegister(r, KindPlan, func(data []byte) (Record, error) {
		var v Plan
		return &v, json.Unmarshal(data, &v)
	})
	mustRegister(r, KindStep, func(data []byte) (Record, error) {
		var v Step
		return &v, json.Unmarshal(data, &v)
	})
	mustRegister(r, KindMemoryRecord, func(data []byte) (Record, error) {
		var v MemoryRecord
		return &v, json.Unmarshal(data, &v)
	})
	mustRegister(r, KindSession, func(data []byte) (Record, error) {
		var v Session
		return &v, json.Unmarshal(data, &v)
	})
	mustRegister(r, KindCollection, func(data []byte) (Record, error) {
		var v Collection
		return &v, json.Unmarshal(data, &v)
	})
	return r
}

// Register adds a decoder for a custom kind. Registering an empty kind or
// a duplicate fails.
func (r *Registry) Register(kind Kind, decode DecodeFunc) error {
	if kind == "" {
		return fmt.Errorf("kind is required")
	}
	if decode == nil {
		return fmt.Errorf("decode func is required")
	}
	if _, ok := r.decoders[kind]; ok {
		return fmt.Errorf("kind %q already registered", kind)
	}
	r.decoders[kind] = decode
	return nil
}

// Known reports whether the registry has a mapping for the kind.
func (r *Registry) Known(kind Kind) bool {
	_, ok := r.decoders[kind]
	return ok
}

// Decode deserializes a stored document of the given kind.
func (r *Registry) Decode(kind Kind, data []byte) (Record, error) {
	decode, ok := r.decoders[kind]
	if !ok {
		return nil, &TypeMismatchError{Kind: kind, Reason: "no registered decoder"}
	}
	rec, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s record: %w", kind, err)
	}
	return rec, nil
}

func mustRegister(r *Registry, kind Kind, decode DecodeFunc) {
	if err := r.Register(kind, decode); err != nil {
		panic(err)
	}
}
