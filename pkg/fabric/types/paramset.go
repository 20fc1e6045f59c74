package types

import "strings"

// ParamSet is an unordered set of @key value... parameters carried in a
// control message (spec.md §4.6). Recognized keys are parsed into typed
// fields on demand via the Get* accessors; anything outside the fixed
// vocabulary is preserved verbatim in Extra, per spec.md §4.6 ("Unrecognized
// keys are collected into the object's extra table").
type ParamSet struct {
	values map[string][]Arg
	Extra  map[string][]Arg
}

// recognizedParams is the fixed token vocabulary from spec.md §4.6.
var recognizedParams = map[string]bool{
	"type": true, "min": true, "max": true, "range": true, "scaling": true,
	"expression": true, "clipMin": true, "clipMax": true, "slot": true,
	"id": true, "mute": true, "process": true, "scope": true,
	"instances": true, "causesUpdate": true, "useAsInstance": true,
	"rate": true, "units": true, "direction": true, "numInputs": true,
	"numOutputs": true, "numIncomingMaps": true, "numOutgoingMaps": true,
	"port": true, "host": true, "libVersion": true, "rev": true,
	"status": true, "IP": true,
}

// NewParamSet builds an empty ParamSet ready for Set calls.
func NewParamSet() *ParamSet {
	return &ParamSet{
		values: make(map[string][]Arg),
		Extra:  make(map[string][]Arg),
	}
}

// Set stores value(s) for key, routing to Extra when key is not in the
// recognized vocabulary.
func (p *ParamSet) Set(key string, values ...Arg) {
	if recognizedParams[key] {
		p.values[key] = values
	} else {
		p.Extra[key] = values
	}
}

// Has reports whether key (recognized or extra) is present.
func (p *ParamSet) Has(key string) bool {
	if _, ok := p.values[key]; ok {
		return true
	}
	_, ok := p.Extra[key]
	return ok
}

// Get returns the raw argument list stored for key.
func (p *ParamSet) Get(key string) ([]Arg, bool) {
	if v, ok := p.values[key]; ok {
		return v, true
	}
	v, ok := p.Extra[key]
	return v, ok
}

// GetString returns the first argument of key as a string (s or S).
func (p *ParamSet) GetString(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0].AsString()
}

// GetFloat returns the first argument of key coerced to float64.
func (p *ParamSet) GetFloat(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0].AsFloat()
}

// GetInt returns the first argument of key coerced to int64.
func (p *ParamSet) GetInt(key string) (int64, bool) {
	v, ok := p.Get(key)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0].AsInt()
}

// GetBool interprets an int/float argument as a boolean (nonzero = true).
func (p *ParamSet) GetBool(key string) (bool, bool) {
	v, ok := p.GetInt(key)
	if !ok {
		return false, false
	}
	return v != 0, true
}

// ParseParamSet parses the "@key value..." token stream carried after the
// positional arguments of a message into a ParamSet. Each '@'-prefixed
// argument starts a new key; every following non-'@' argument is appended to
// that key's value list until the next '@' token or the end of the stream.
func ParseParamSet(args []Arg) *ParamSet {
	ps := NewParamSet()
	var currentKey string
	var currentValues []Arg
	flush := func() {
		if currentKey != "" {
			ps.Set(currentKey, currentValues...)
		}
		currentKey = ""
		currentValues = nil
	}
	for _, a := range args {
		if s, ok := a.AsString(); ok && strings.HasPrefix(s, "@") {
			flush()
			currentKey = strings.TrimPrefix(s, "@")
			continue
		}
		if currentKey != "" {
			currentValues = append(currentValues, a)
		}
	}
	flush()
	return ps
}

// Encode renders the ParamSet back into the "@key value..." argument stream,
// recognized keys first, then extras (key order within each group follows
// Go map iteration and is not fixed), making
// ParseParamSet(Encode(p)) round-trip to an equivalent ParamSet (spec.md §8,
// "Round trip" law).
func (p *ParamSet) Encode() []Arg {
	var out []Arg
	emit := func(key string, values []Arg) {
		out = append(out, Symbol("@"+key))
		out = append(out, values...)
	}
	for key := range recognizedParams {
		if v, ok := p.values[key]; ok {
			emit(key, v)
		}
	}
	for key, v := range p.Extra {
		emit(key, v)
	}
	return out
}
