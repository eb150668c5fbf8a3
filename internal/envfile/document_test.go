package envfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocument_PreservesCommentsAndOrder(t *testing.T) {
	in := "# header\n\nB=2\nexport A=1\nnot an assignment\nB=3\n"
	d := Parse([]byte(in))

	assert.Equal(t, []string{"B", "A"}, d.Keys())
	v, ok := d.Get("B")
	assert.True(t, ok)
	assert.Equal(t, "2", v, "first assignment wins")
	assert.Equal(t, in, string(d.Bytes()))
}

func TestDocument_Set(t *testing.T) {
	d := Parse([]byte("A=1\nB=2\n"))

	assert.False(t, d.Set("A", "1"))
	assert.True(t, d.Set("A", "x=y"))
	assert.True(t, d.Set("C", "3"))
	assert.Equal(t, "A=x=y\nB=2\nC=3\n", string(d.Bytes()))

	v, _ := d.Get("A")
	assert.Equal(t, "x=y", v)
}

func TestNewSecret(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s, err := NewSecret(50)
		assert.NoError(t, err)
		assert.Len(t, s, 50)
		for _, r := range s {
			assert.Contains(t, secretAlphabet, string(r))
		}
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestDocument_LinesWithoutTrailingNewline(t *testing.T) {
	d := Parse([]byte("A=1\r\nB=2"))
	assert.Equal(t, []string{"A", "B"}, d.Keys())
	v, _ := d.Get("A")
	assert.Equal(t, "1", v)
	assert.Equal(t, "A=1\nB=2\n", string(d.Bytes()))
	assert.Empty(t, Parse(nil).Keys())
}
