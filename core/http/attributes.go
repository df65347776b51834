package http

// AttributeKey is a typed key into a Request's attribute map. Keys compare
// by identity, so two keys with the same name never collide.
type AttributeKey[T any] struct {
	name string
}

// NewAttributeKey creates a key. The name only shows up in String.
func NewAttributeKey[T any](name string) *AttributeKey[T] {
	return &AttributeKey[T]{name: name}
}

func (k *AttributeKey[T]) String() string { return k.name }

// Get returns the value stored under k, if any
func (k *AttributeKey[T]) Get(req *Request) (T, bool) {
	req.mu.Lock()
	v, ok := req.attrs[k]
	req.mu.Unlock()

	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Set stores v under k
func (k *AttributeKey[T]) Set(req *Request, v T) {
	req.mu.Lock()
	if req.attrs == nil {
		req.attrs = make(map[any]any, 4)
	}
	req.attrs[k] = v
	req.mu.Unlock()
}

// Delete removes k and returns what it held
func (k *AttributeKey[T]) Delete(req *Request) (T, bool) {
	req.mu.Lock()
	v, ok := req.attrs[k]
	delete(req.attrs, k)
	req.mu.Unlock()

	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
