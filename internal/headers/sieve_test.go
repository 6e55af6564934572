package headers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareTotalOrder(t *testing.T) {
	corpus := []string{
		"Accept", "accept-encoding", "Content", "Content-Length",
		"Content-Type", "Host", "Hostile", "User-Agent", "X-Client",
		"x-forwarded-for", "Via", "TE", "A", "AA", "AB",
	}

	sign := func(v int) int {
		switch {
		case v < 0:
			return -1
		case v > 0:
			return 1
		default:
			return 0
		}
	}

	for _, a := range corpus {
		for _, b := range corpus {
			ab := sign(Compare([]byte(a), []byte(b)))
			ba := sign(Compare([]byte(b), []byte(a)))
			assert.Equal(t, -ba, ab, "antisymmetry for %q vs %q", a, b)
			if a == b {
				assert.Zero(t, ab, "reflexivity for %q", a)
			}
			for _, c := range corpus {
				bc := sign(Compare([]byte(b), []byte(c)))
				ac := sign(Compare([]byte(a), []byte(c)))
				if ab == bc && ab != 0 {
					assert.Equal(t, ab, ac, "transitivity over %q %q %q", a, b, c)
				}
			}
		}
	}
}

func TestCompareColonRule(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{name: "equal exact", a: "Host", b: "host", want: 0},
		{name: "equal at colon", a: "Host", b: "Host: example.test", want: 0},
		{name: "upper vs lower", a: "HOST", b: "host: x", want: 0},
		{name: "prefix not at colon", a: "Host", b: "Hostile: x", want: -1},
		{name: "extension greater", a: "Hostile", b: "Host", want: 1},
		{name: "plain ordering", a: "Accept", b: "Host", want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare([]byte(tt.a), []byte(tt.b))
			switch tt.want {
			case 0:
				assert.Zero(t, got)
			case -1:
				assert.Negative(t, got)
			case 1:
				assert.Positive(t, got)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New([]string{"Host"}, []string{"NoColonRule"})
	assert.Error(t, err)

	_, err = New([]string{"Bad:Name"}, nil)
	assert.Error(t, err)

	_, err = New(nil, []string{"X-Client:X-Forwarded-Client", "x-client:Other"})
	assert.Error(t, err, "duplicate rename rules must be rejected")

	s, err := New([]string{"Host", "host"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len(), "case-duplicate allow entries collapse")
}

func TestApplyAllowAndDrop(t *testing.T) {
	s, err := New([]string{"Host", "X-Allowed"}, nil)
	require.NoError(t, err)

	out, ok := s.Apply([]byte("Host: example.test\r\n"))
	require.True(t, ok)
	assert.Equal(t, "Host: example.test\r\n", string(out))

	out, ok = s.Apply([]byte("x-allowed: 1\r\n"))
	require.True(t, ok)
	assert.Equal(t, "x-allowed: 1\r\n", string(out))

	_, ok = s.Apply([]byte("X-Forbidden: 2\r\n"))
	assert.False(t, ok)

	_, ok = s.Apply([]byte("no colon line\r\n"))
	assert.False(t, ok)
}

func TestApplyPrefixCollision(t *testing.T) {
	s, err := New([]string{"Host"}, nil)
	require.NoError(t, err)

	_, ok := s.Apply([]byte("Hostile: x\r\n"))
	assert.False(t, ok, "Hostile must not ride on the Host allowance")

	out, ok := s.Apply([]byte("Host: y\r\n"))
	require.True(t, ok)
	assert.Equal(t, "Host: y\r\n", string(out))

	out, ok = s.Apply([]byte("HOST: z\r\n"))
	require.True(t, ok)
	assert.Equal(t, "HOST: z\r\n", string(out))
}

func TestApplyRename(t *testing.T) {
	s, err := New([]string{"Host"}, []string{"X-Client:X-Forwarded-Client"})
	require.NoError(t, err)

	out, ok := s.Apply([]byte("x-client: Alice B\r\n"))
	require.True(t, ok)
	assert.Equal(t, "X-Forwarded-Client: Alice B\r\n", string(out),
		"value bytes preserved verbatim, including case")

	out, ok = s.Apply([]byte("X-CLIENT:no-space\r\n"))
	require.True(t, ok)
	assert.Equal(t, "X-Forwarded-Client:no-space\r\n", string(out))
}

func TestApplyStoredExtensionOfLineName(t *testing.T) {
	s, err := New([]string{"Content", "Content-Length"}, nil)
	require.NoError(t, err)

	out, ok := s.Apply([]byte("Content: 1\r\n"))
	require.True(t, ok)
	assert.Equal(t, "Content: 1\r\n", string(out))

	out, ok = s.Apply([]byte("Content-Length: 2\r\n"))
	require.True(t, ok)
	assert.Equal(t, "Content-Length: 2\r\n", string(out))
}

func TestEmptyLine(t *testing.T) {
	assert.True(t, EmptyLine(nil))
	assert.True(t, EmptyLine([]byte("\r")))
	assert.True(t, EmptyLine([]byte("\n")))
	assert.True(t, EmptyLine([]byte("\r\n")))
	assert.False(t, EmptyLine([]byte("ab")))
	assert.False(t, EmptyLine([]byte("Host: x")))
}
