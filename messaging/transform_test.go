package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformationRegistry(t *testing.T) {
	cause := errors.New("handler failure")

	t.Run("applies the transformer for an exact class match", func(t *testing.T) {
		r := NewTransformationRegistry()
		r.Register("schema_version", func(payload []byte, cause error) ([]byte, error) {
			var doc map[string]int
			if err := json.Unmarshal(payload, &doc); err != nil {
				return nil, err
			}
			doc["v"] = 2
			return json.Marshal(doc)
		})

		out := r.Apply("schema_version", []byte(`{"v":1}`), cause)
		assert.JSONEq(t, `{"v":2}`, string(out))
	})

	t.Run("unknown class returns the payload unchanged", func(t *testing.T) {
		r := NewTransformationRegistry()

		out := r.Apply("timeout", []byte("payload"), cause)
		assert.Equal(t, []byte("payload"), out)
	})

	t.Run("falls back to the default transformer", func(t *testing.T) {
		r := NewTransformationRegistry(WithDefaultTransformer(func(payload []byte, cause error) ([]byte, error) {
			return append(payload, '!'), nil
		}))

		out := r.Apply("anything", []byte("p"), cause)
		assert.Equal(t, []byte("p!"), out)
	})

	t.Run("transformer error falls back to the original payload", func(t *testing.T) {
		r := NewTransformationRegistry()
		r.Register("broken", func(payload []byte, cause error) ([]byte, error) {
			return nil, errors.New("cannot fix")
		})

		out := r.Apply("broken", []byte("original"), cause)
		assert.Equal(t, []byte("original"), out)
	})

	t.Run("transformer panic falls back to the original payload", func(t *testing.T) {
		r := NewTransformationRegistry()
		r.Register("panicky", func(payload []byte, cause error) ([]byte, error) {
			panic("boom")
		})

		out := r.Apply("panicky", []byte("original"), cause)
		assert.Equal(t, []byte("original"), out)
	})

	t.Run("register replaces a previous binding", func(t *testing.T) {
		r := NewTransformationRegistry()
		r.Register("c", func(p []byte, _ error) ([]byte, error) { return []byte("first"), nil })
		r.Register("c", func(p []byte, _ error) ([]byte, error) { return []byte("second"), nil })

		assert.Equal(t, []byte("second"), r.Apply("c", nil, cause))
	})
}
