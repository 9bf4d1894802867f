package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageAttributes(t *testing.T) {
	t.Run("set preserves insertion order", func(t *testing.T) {
		m := NewMessage([]byte("body"))
		m.SetAttribute("a", "1")
		m.SetAttribute("b", "2")
		m.SetAttribute("c", "3")

		attrs := m.Attributes()
		assert.Equal(t, []Attribute{{"a", "1"}, {"b", "2"}, {"c", "3"}}, attrs)
	})

	t.Run("set replaces in place", func(t *testing.T) {
		m := NewMessage(nil)
		m.SetAttribute("a", "1")
		m.SetAttribute("b", "2")
		m.SetAttribute("a", "9")

		attrs := m.Attributes()
		assert.Equal(t, []Attribute{{"a", "9"}, {"b", "2"}}, attrs)
	})

	t.Run("get reports presence", func(t *testing.T) {
		m := NewMessage(nil)
		m.SetAttribute("a", "1")

		v, ok := m.GetAttribute("a")
		assert.True(t, ok)
		assert.Equal(t, "1", v)

		_, ok = m.GetAttribute("missing")
		assert.False(t, ok)
	})

	t.Run("delete removes key", func(t *testing.T) {
		m := NewMessage(nil)
		m.SetAttribute("a", "1")
		m.SetAttribute("b", "2")
		m.DeleteAttribute("a")

		_, ok := m.GetAttribute("a")
		assert.False(t, ok)
		assert.Len(t, m.Attributes(), 1)
	})
}

func TestMessageClone(t *testing.T) {
	m := NewMessage([]byte("payload"))
	m.SetAttribute("a", "1")

	c := m.Clone()
	c.Payload[0] = 'X'
	c.SetAttribute("a", "2")
	c.SetAttribute("b", "3")

	assert.Equal(t, m.ID, c.ID)
	assert.Equal(t, []byte("payload"), m.Payload)
	v, _ := m.GetAttribute("a")
	assert.Equal(t, "1", v)
	_, ok := m.GetAttribute("b")
	assert.False(t, ok)
}

func TestErrorClassification(t *testing.T) {
	t.Run("unclassified errors are transient", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, ClassTransient, ErrorClassOf(err))
		assert.False(t, IsPermanent(err))
	})

	t.Run("classify carries class through wrapping", func(t *testing.T) {
		err := Classify("schema_version", errors.New("unknown schema"))
		assert.Equal(t, "schema_version", ErrorClassOf(err))
		assert.False(t, IsPermanent(err))
	})

	t.Run("permanent is never retryable", func(t *testing.T) {
		err := Permanent(errors.New("malformed payload"))
		assert.Equal(t, ClassPermanent, ErrorClassOf(err))
		assert.True(t, IsPermanent(err))
	})

	t.Run("permanent class keeps its own class name", func(t *testing.T) {
		err := PermanentClass("bad_signature", errors.New("signature mismatch"))
		assert.Equal(t, "bad_signature", ErrorClassOf(err))
		assert.True(t, IsPermanent(err))
	})

	t.Run("unwrap reaches the cause", func(t *testing.T) {
		cause := errors.New("root")
		assert.ErrorIs(t, Transient(cause), cause)
	})
}
