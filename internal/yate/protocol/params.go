package protocol

// Params is an insertion-ordered string-to-string map. The wire protocol
// requires that a message's parameters round-trip in the order they were
// received (see the "answer encoding" rule in §4.2 of the protocol spec),
// which a plain Go map cannot guarantee.
type Params struct {
	keys   []string
	values map[string]string
}

// NewParams creates an empty ordered parameter set.
func NewParams() *Params {
	return &Params{values: make(map[string]string)}
}

// ParamsFromPairs builds a Params from "key=value" pairs in order, matching
// yate_parse_keyvalue: a pair without '=' yields an empty value.
func ParamsFromPairs(pairs []string) *Params {
	p := NewParams()
	for _, pair := range pairs {
		key := pair
		value := ""
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				key = pair[:i]
				value = pair[i+1:]
				break
			}
		}
		p.Set(key, value)
	}
	return p
}

// Set assigns value to key, preserving key's existing position if already
// present, or appending it as the newest key otherwise.
func (p *Params) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key and whether it was present.
func (p *Params) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Del removes key if present.
func (p *Params) Del(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the parameter keys in insertion (wire) order.
func (p *Params) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	return len(p.keys)
}

// Clone returns a deep copy, used to freeze a message's params (the IVR
// layer keeps a clone of the call.execute params).
func (p *Params) Clone() *Params {
	c := NewParams()
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Pairs renders the params back to "key=value" strings in wire order.
func (p *Params) Pairs() []string {
	out := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k+"="+p.values[k])
	}
	return out
}

// Equal reports whether two param sets have the same keys and values,
// ignoring order.
func (p *Params) Equal(other *Params) bool {
	if other == nil {
		return p == nil || p.Len() == 0
	}
	if p.Len() != other.Len() {
		return false
	}
	for _, k := range p.keys {
		v, ok := other.Get(k)
		if !ok || v != p.values[k] {
			return false
		}
	}
	return true
}
