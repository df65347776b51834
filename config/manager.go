package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Manager manages application configuration as a flat key/value store.
// Nested file sections become dotted keys ("log.level").
type Manager struct {
	values map[string]any
	mu     sync.RWMutex

	// Watchers for configuration changes
	watchers map[string][]func(string, any)
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values:   make(map[string]any),
		watchers: make(map[string][]func(string, any)),
	}
}

// Set sets a configuration value. Watchers of key run only when the value
// actually changes.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, existed := m.values[key]
	m.values[key] = value
	if existed && reflect.DeepEqual(old, value) {
		return
	}

	// Notify watchers
	for _, watcher := range m.watchers[key] {
		go watcher(key, value)
	}
}

// Merge copies every value of other into m, notifying watchers of the keys
// that changed
func (m *Manager) Merge(other *Manager) {
	other.mu.RLock()
	values := make(map[string]any, len(other.values))
	for k, v := range other.values {
		values[k] = v
	}
	other.mu.RUnlock()

	for k, v := range values {
		m.Set(k, v)
	}
}

// Get gets a configuration value
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists
}

// GetDuration gets a duration configuration value
func (m *Manager) GetDuration(key string, defaultValue ...time.Duration) time.Duration {
	if value, exists := m.Get(key); exists {
		if d, err := toDuration(value); err == nil {
			return d
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// Watch watches for configuration changes
func (m *Manager) Watch(key string, callback func(string, any)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchers[key] = append(m.watchers[key], callback)
}

// envKey maps PREFIX_MAX_CONNECTIONS to max_connections. ok is false
// when name lacks the prefix.
func envKey(prefix, name string) (string, bool) {
	if prefix != "" {
		if !strings.HasPrefix(name, prefix+"_") {
			return "", false
		}
		name = strings.TrimPrefix(name, prefix+"_")
	}
	return strings.ToLower(name), name != ""
}

// LoadFromEnv loads configuration from environment variables
func (m *Manager) LoadFromEnv(prefix string) {
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if key, ok := envKey(prefix, name); ok {
			m.Set(key, value)
		}
	}
}

// LoadDotEnv loads prefixed variables from .env files without touching
// the process environment. Missing files are skipped.
func (m *Manager) LoadDotEnv(prefix string, filenames ...string) error {
	for _, filename := range filenames {
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			continue
		}
		values, err := godotenv.Read(filename)
		if err != nil {
			return fmt.Errorf("failed to parse env file %s: %w", filename, err)
		}
		for name, value := range values {
			if key, ok := envKey(prefix, name); ok {
				m.Set(key, value)
			}
		}
	}
	return nil
}

// LoadFromYAML loads configuration from a YAML file
func (m *Manager) LoadFromYAML(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	m.loadFromMap("", values)
	return nil
}

// LoadFile loads a YAML or, by its .json extension, a JSON file
func (m *Manager) LoadFile(filename string) error {
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		return m.LoadFromJSON(filename)
	}
	return m.LoadFromYAML(filename)
}

// LoadFromJSON loads configuration from JSON file
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config: %w", err)
	}

	m.loadFromMap("", values)
	return nil
}

// loadFromMap recursively loads configuration from a map
func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		// If value is a map, recurse
		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// LoadFromStruct sets every field of source under the key Unmarshal would
// read it from. It seeds defaults before any file or environment is read.
func (m *Manager) LoadFromStruct(source any) error {
	v := reflect.Indirect(reflect.ValueOf(source))
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("source must be a struct")
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		key := field.Tag.Get("config")
		if key == "-" {
			continue
		}
		if key == "" {
			key = strings.ToLower(field.Name)
		}
		m.Set(key, v.Field(i).Interface())
	}
	return nil
}

// Unmarshal unmarshals configuration into a struct. Keys come from the
// `config` tag or the lowercased field name, under prefix when set.
func (m *Manager) Unmarshal(prefix string, target any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Pointer {
		return fmt.Errorf("target must be a pointer")
	}

	targetValue = targetValue.Elem()
	if targetValue.Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to struct")
	}

	targetType := targetValue.Type()

	for i := 0; i < targetType.NumField(); i++ {
		field := targetType.Field(i)
		fieldValue := targetValue.Field(i)

		if !fieldValue.CanSet() {
			continue
		}

		configKey := field.Tag.Get("config")
		if configKey == "-" {
			continue
		}
		if configKey == "" {
			configKey = strings.ToLower(field.Name)
		}
		if prefix != "" {
			configKey = prefix + "." + configKey
		}

		value, exists := m.values[configKey]
		if !exists {
			continue
		}

		if err := setFieldValue(fieldValue, value); err != nil {
			return fmt.Errorf("failed to set field %s from %q: %w", field.Name, configKey, err)
		}
	}

	return nil
}

// setFieldValue converts value to the field's type
func setFieldValue(field reflect.Value, value any) error {
	if field.Type() == durationType {
		d, err := toDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(fmt.Sprint(value))

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case int:
			field.SetInt(int64(v))
		case int64:
			field.SetInt(v)
		case float64:
			field.SetInt(int64(v))
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		default:
			return fmt.Errorf("cannot convert %T to int", value)
		}

	case reflect.Bool:
		b, err := toBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Float32, reflect.Float64:
		switch v := value.(type) {
		case float64:
			field.SetFloat(v)
		case int:
			field.SetFloat(float64(v))
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			field.SetFloat(f)
		default:
			return fmt.Errorf("cannot convert %T to float", value)
		}

	default:
		valueReflect := reflect.ValueOf(value)
		if !valueReflect.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot convert %v to %v", valueReflect.Type(), field.Type())
		}
		field.Set(valueReflect.Convert(field.Type()))
	}

	return nil
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true, nil
		case "false", "no", "0", "off", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("cannot convert %v to bool", value)
}

// toDuration accepts Go duration strings, or integer seconds
func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second, nil
		}
	}
	return 0, fmt.Errorf("cannot convert %v to duration", value)
}
