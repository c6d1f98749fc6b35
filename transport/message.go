package transport

// Message is the string-keyed map every frame on the wire decodes to.
// Every message carries a mandatory "op" discriminator.
type Message map[string]interface{}

// Op returns the message's "op" field, or "" if absent or not a string.
func (m Message) Op() string {
	op, _ := m["op"].(string)
	return op
}

// WithOp returns a copy of m with "op" set, used when building outbound
// messages from typed request/reply structs.
func WithOp(op string, fields map[string]interface{}) Message {
	m := make(Message, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["op"] = op
	return m
}
