package config

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Validator checks a candidate Value before it is accepted by Set. Returning
// an error rejects the write; the store keeps the previous value.
type Validator func(Value) error

type keyDef struct {
	def      Value
	validate Validator
	readonly bool
}

// Store is the typed, validated, persisted key/value configuration store
// described in the OCPP 1.6 GetConfiguration/ChangeConfiguration contract.
// It is only ever touched from the tick goroutine, so it needs no locking.
type Store struct {
	log    *logrus.Entry
	v      *viper.Viper
	path   string
	defs   map[string]keyDef
	values map[string]Value
}

// NewStore builds a Store persisted to path (a JSON file). The file is not
// read until Load is called, so Declare calls can run first and establish
// defaults and validators.
func NewStore(path string) *Store {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	return &Store{
		log:    logrus.WithField("component", "config.Store"),
		v:      v,
		path:   path,
		defs:   make(map[string]keyDef),
		values: make(map[string]Value),
	}
}

// Declare registers a configuration key with its default value and an
// optional validator. Declare must run before Load for the default to take
// effect when the backing file has no entry for key.
func (s *Store) Declare(key string, def Value, readonly bool, validate Validator) {
	s.defs[key] = keyDef{def: def, validate: validate, readonly: readonly}
	s.values[key] = def
}

// Load reads the backing file (if present) over the declared defaults,
// validating every overridden key. An invalid or missing file is not an
// error: the declared defaults remain in effect, matching the "fall back to
// defaults in production" policy from the design notes.
func (s *Store) Load() error {
	if err := s.v.ReadInConfig(); err != nil {
		s.log.WithError(err).Info("no persisted configuration found, using declared defaults")
		return nil
	}
	for key, def := range s.defs {
		if !s.v.IsSet(key) {
			continue
		}
		var candidate Value
		switch def.def.Kind() {
		case KindBool:
			candidate = BoolValue(s.v.GetBool(key))
		case KindInt:
			candidate = IntValue(s.v.GetInt(key))
		case KindString:
			candidate = StringValue(s.v.GetString(key))
		}
		if def.validate != nil {
			if err := def.validate(candidate); err != nil {
				s.log.WithField("key", key).WithError(err).Warn("ignoring invalid persisted value, keeping default")
				continue
			}
		}
		s.values[key] = candidate
	}
	return nil
}

// Save persists the current values to the backing file.
func (s *Store) Save() error {
	for key, val := range s.values {
		s.v.Set(key, val.raw())
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("config: save %s: %w", s.path, err)
	}
	return nil
}

// Keys returns every declared key, sorted, for GetConfiguration responses.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.defs))
	for k := range s.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry returns the current Value and readonly flag for key.
func (s *Store) Entry(key string) (Value, bool, bool) {
	val, ok := s.values[key]
	if !ok {
		return Value{}, false, false
	}
	return val, s.defs[key].readonly, true
}

// Set validates and stores a new value for an existing, writable key.
func (s *Store) Set(key string, val Value) error {
	def, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("config: unknown key %q", key)
	}
	if def.readonly {
		return fmt.Errorf("config: key %q is read-only", key)
	}
	if def.def.Kind() != val.Kind() {
		return &TypeError{Key: key, Declared: def.def.Kind(), Wanted: val.Kind()}
	}
	if def.validate != nil {
		if err := def.validate(val); err != nil {
			return fmt.Errorf("config: key %q: %w", key, err)
		}
	}
	s.values[key] = val
	return nil
}

// GetBool returns the bool value for key, or false if key is unknown or not
// declared as a bool.
func (s *Store) GetBool(key string) bool {
	b, _ := s.values[key].Bool()
	return b
}

// GetInt returns the int value for key, or 0 if key is unknown or not
// declared as an int.
func (s *Store) GetInt(key string) int {
	i, _ := s.values[key].Int()
	return i
}

// GetString returns the string value for key, or "" if key is unknown or not
// declared as a string.
func (s *Store) GetString(key string) string {
	str, _ := s.values[key].String()
	return str
}
