package evloop

// QualifiedName addresses a configuration parameter. Namespace 0 holds the
// parameters understood by the built-in connection managers.
type QualifiedName struct {
	NS   uint16
	Name string
}

// QN is a shorthand constructor for namespace-qualified parameter names.
func QN(ns uint16, name string) QualifiedName {
	return QualifiedName{NS: ns, Name: name}
}

// KeyValueMap is an unordered mapping from qualified name to typed value.
// Event sources and open-connection calls are configured through it without
// a closed schema; unknown parameters are ignored.
type KeyValueMap struct {
	m map[QualifiedName]interface{}
}

func NewKeyValueMap() *KeyValueMap {
	return &KeyValueMap{m: make(map[QualifiedName]interface{})}
}

func (kv *KeyValueMap) Set(name QualifiedName, value interface{}) *KeyValueMap {
	if kv.m == nil {
		kv.m = make(map[QualifiedName]interface{})
	}
	kv.m[name] = value
	return kv
}

func (kv *KeyValueMap) Delete(name QualifiedName) {
	if kv != nil && kv.m != nil {
		delete(kv.m, name)
	}
}

func (kv *KeyValueMap) Has(name QualifiedName) bool {
	if kv == nil || kv.m == nil {
		return false
	}
	_, ok := kv.m[name]
	return ok
}

func (kv *KeyValueMap) Len() int {
	if kv == nil {
		return 0
	}
	return len(kv.m)
}

func (kv *KeyValueMap) Get(name QualifiedName) (interface{}, bool) {
	if kv == nil || kv.m == nil {
		return nil, false
	}
	v, ok := kv.m[name]
	return v, ok
}

func (kv *KeyValueMap) GetString(name QualifiedName) (string, bool) {
	v, ok := kv.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetStringArray returns a string-array parameter. A scalar string is
// treated as a single-element array.
func (kv *KeyValueMap) GetStringArray(name QualifiedName) ([]string, bool) {
	v, ok := kv.Get(name)
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []string:
		return t, true
	}
	return nil, false
}

func (kv *KeyValueMap) GetUint16(name QualifiedName) (uint16, bool) {
	v, ok := kv.Get(name)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case uint16:
		return t, true
	case int:
		if t >= 0 && t <= 0xffff {
			return uint16(t), true
		}
	}
	return 0, false
}
