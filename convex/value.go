package convex

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Value is the application-level value type. Supported shapes:
// nil, bool, float64, int64, string, []byte, []Value, map[string]Value.
// int and int32 are accepted on encode and normalized to int64.
//
// JSON cannot carry int64 or bytes losslessly, so the wire form uses
// tagged objects: {"$integer": base64 of 8 little-endian bytes} and
// {"$bytes": base64}. Everything else passes through as plain JSON.
type Value = any

const integerTag = "$integer"
const bytesTag = "$bytes"

// EncodeValue converts a value to its JSON-safe wire form.
func EncodeValue(value Value) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return encodeInt64(int64(v)), nil
	case int32:
		return encodeInt64(int64(v)), nil
	case int64:
		return encodeInt64(v), nil
	case string:
		return v, nil
	case []byte:
		return map[string]any{
			bytesTag: base64.StdEncoding.EncodeToString(v),
		}, nil
	case []Value:
		encodedItems := make([]any, len(v))
		for i, item := range v {
			encodedItem, err := EncodeValue(item)
			if err != nil {
				return nil, err
			}
			encodedItems[i] = encodedItem
		}
		return encodedItems, nil
	case map[string]Value:
		encodedFields := make(map[string]any, len(v))
		for key, field := range v {
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("field names starting with $ are reserved: %s", key)
			}
			encodedField, err := EncodeValue(field)
			if err != nil {
				return nil, err
			}
			encodedFields[key] = encodedField
		}
		return encodedFields, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// DecodeValue converts a JSON-safe wire form back to a value.
// Round trips losslessly with `EncodeValue`.
func DecodeValue(encoded any) (Value, error) {
	switch v := encoded.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case float64:
		return v, nil
	case string:
		return v, nil
	case []any:
		items := make([]Value, len(v))
		for i, encodedItem := range v {
			item, err := DecodeValue(encodedItem)
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	case map[string]any:
		if len(v) == 1 {
			if tagged, ok := v[integerTag]; ok {
				return decodeInt64(tagged)
			}
			if tagged, ok := v[bytesTag]; ok {
				taggedStr, ok := tagged.(string)
				if !ok {
					return nil, fmt.Errorf("%s must be a base64 string", bytesTag)
				}
				return base64.StdEncoding.DecodeString(taggedStr)
			}
		}
		fields := make(map[string]Value, len(v))
		for key, encodedField := range v {
			field, err := DecodeValue(encodedField)
			if err != nil {
				return nil, err
			}
			fields[key] = field
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("unsupported wire value type %T", encoded)
	}
}

func encodeInt64(v int64) map[string]any {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return map[string]any{
		integerTag: base64.StdEncoding.EncodeToString(buf[:]),
	}
}

func decodeInt64(tagged any) (int64, error) {
	taggedStr, ok := tagged.(string)
	if !ok {
		return 0, fmt.Errorf("%s must be a base64 string", integerTag)
	}
	buf, err := base64.StdEncoding.DecodeString(taggedStr)
	if err != nil {
		return 0, err
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("%s must be 8 bytes, got %d", integerTag, len(buf))
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

// canonicalArgsJson is a deterministic serialization of args used for query
// identity. `encoding/json` writes map keys in sorted order, so equal args
// always produce equal strings.
func canonicalArgsJson(args map[string]Value) (string, error) {
	if args == nil {
		args = map[string]Value{}
	}
	encoded, err := EncodeValue(args)
	if err != nil {
		return "", err
	}
	canonicalJson, err := json.Marshal(encoded)
	if err != nil {
		return "", err
	}
	return string(canonicalJson), nil
}

func valuesEqual(a Value, b Value) bool {
	return reflect.DeepEqual(a, b)
}
