package stomp

import "strconv"

// HeaderEntry is a single key:value row of a frame header
type HeaderEntry struct {
	Key   string
	Value string
}

// Header is the ordered header section of a frame. Keys are case-sensitive
// and when a key appears more than once the first entry wins.
type Header []HeaderEntry

// Add appends an entry, even if the key already exists
func (h *Header) Add(key, value string) {
	*h = append(*h, HeaderEntry{Key: key, Value: value})
}

// Set replaces the first entry with the given key or appends a new one
func (h *Header) Set(key, value string) {
	if i := h.index(key); i >= 0 {
		(*h)[i].Value = value
		return
	}
	h.Add(key, value)
}

// SetIf sets the key only when value is not empty
func (h *Header) SetIf(key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// Get returns the first value of key, or "" when absent
func (h Header) Get(key string) string {
	value, _ := h.Contains(key)
	return value
}

// Contains returns the first value of key and whether it exists
func (h Header) Contains(key string) (string, bool) {
	if i := h.index(key); i >= 0 {
		return h[i].Value, true
	}
	return "", false
}

// Del removes every entry with the given key
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, e := range *h {
		if e.Key != key {
			out = append(out, e)
		}
	}
	*h = out
}

// Len returns the number of entries
func (h Header) Len() int {
	return len(h)
}

// Clone returns a copy that shares no storage with h
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	hc := make(Header, len(h))
	copy(hc, h)
	return hc
}

// ContentLength parses the content-length header. ok is false when the header
// is absent; err is set when it is present but not a non-negative integer.
func (h Header) ContentLength() (length int, ok bool, err error) {
	text, ok := h.Contains(HeaderContentLength)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(text, 10, 31)
	if err != nil {
		return 0, true, ErrInvalidContentLength
	}
	return int(n), true, nil
}

func (h Header) index(key string) int {
	for i := range h {
		if h[i].Key == key {
			return i
		}
	}
	return -1
}
