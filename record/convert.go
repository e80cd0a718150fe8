package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// MessageKey is the key used for payloads that are not key/value shaped.
const MessageKey = "message"

// Field is one entry of an ordered payload.
type Field struct {
	Key   string
	Value any
}

// Fields is a payload whose keys are emitted in slice order.
type Fields []Field

// MarshalJSON encodes f as a JSON object preserving key order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalJSON(field.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := marshalJSON(field.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Converter turns a producer payload into a Log.
type Converter interface {
	Convert(payload any, timestamp int64) (*Log, error)
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(payload any, timestamp int64) (*Log, error)

// Convert calls f(payload, timestamp).
func (f ConverterFunc) Convert(payload any, timestamp int64) (*Log, error) {
	return f(payload, timestamp)
}

// DefaultConverter is the converter used when none is configured.
var DefaultConverter Converter = ConverterFunc(Convert)

// Convert builds a Log from payload.
//
// Fields and string-keyed maps produce one content per key. Fields keep
// their order, maps are emitted in sorted key order. Nested maps, Fields,
// slices and structs are encoded as compact JSON. Any other payload becomes a
// single "message" content.
func Convert(payload any, timestamp int64) (*Log, error) {
	l := &Log{Time: timestamp}
	switch p := payload.(type) {
	case Fields:
		l.Contents = make([]Content, 0, len(p))
		for _, f := range p {
			if err := l.add(f.Key, f.Value); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		l.Contents = make([]Content, 0, len(p))
		for _, k := range sortedKeys(p) {
			if err := l.add(k, p[k]); err != nil {
				return nil, err
			}
		}
	case map[string]string:
		l.Contents = make([]Content, 0, len(p))
		for _, k := range sortedKeys(p) {
			l.Contents = append(l.Contents, Content{Key: k, Value: p[k]})
		}
	default:
		if err := l.add(MessageKey, payload); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) add(key string, value any) error {
	s, err := stringify(value)
	if err != nil {
		return fmt.Errorf("%w: key %q: %w", ErrConvert, key, err)
	}
	l.Contents = append(l.Contents, Content{Key: key, Value: s})
	return nil
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case error:
		return x.Error(), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	b, err := marshalJSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// marshalJSON is json.Marshal without HTML escaping or a trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
