package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", 1024},
		{"1k", 1024},
		{"1Ki", 1024},
		{"1.5MB", 1536 * 1024},
		{"10Gi", 10 * GB},
		{"2TB", 2 * TB},
		{" 512 B ", 512},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, "Parse(%q)", tc.in)
		assert.Equal(t, tc.want, got, "Parse(%q)", tc.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB", "-5MB", "1.2.3GB"} {
		_, err := Parse(in)
		assert.Error(t, err, "Parse(%q)", in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(1024))
	assert.Equal(t, "1.50 MB", Format(1536*1024))
	assert.Equal(t, "2.00 GB", Format(2*GB))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var doc struct {
		Quota Size `yaml:"quota"`
		Max   Size `yaml:"max"`
	}
	err := yaml.Unmarshal([]byte("quota: 10Gi\nmax: 1048576\n"), &doc)
	require.NoError(t, err)
	assert.Equal(t, 10*GB, doc.Quota.Bytes())
	assert.Equal(t, int64(1048576), doc.Max.Bytes())

	err = yaml.Unmarshal([]byte("quota: nonsense\n"), &doc)
	assert.Error(t, err)
}
