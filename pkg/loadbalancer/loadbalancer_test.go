package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBalancerRotation(t *testing.T) {
	lb := New([]string{"https://m1", "https://m2", "https://m3"})

	var got []string
	for i := 0; i < 7; i++ {
		m, ok := lb.Next()
		require.True(t, ok)
		got = append(got, m)
	}

	require.Equal(t, []string{
		"https://m1", "https://m2", "https://m3",
		"https://m1", "https://m2", "https://m3",
		"https://m1",
	}, got)
}

func TestLoadBalancerEmpty(t *testing.T) {
	lb := New(nil)
	_, ok := lb.Next()
	require.False(t, ok)
}

func TestURLFallsBackWithoutMirrors(t *testing.T) {
	u, err := NewURL("https://direct.example/data/logs.tsv", nil)
	require.NoError(t, err)
	require.Equal(t, "https://direct.example/data/logs.tsv", u.Get())
}

func TestURLFileScheme(t *testing.T) {
	lb := New([]string{"https://m1"})
	u, err := NewURL("file:///data/logs.tsv", lb)
	require.NoError(t, err)
	require.Equal(t, "file:///data/logs.tsv", u.Get())
}

func TestURLUnsupportedScheme(t *testing.T) {
	_, err := NewURL("ftp://mirror/data", nil)
	require.Error(t, err)
}

func TestURLRotationAcrossTwoFiles(t *testing.T) {
	lb := New([]string{"https://m1", "https://m2", "https://m3"})
	u1, err := NewURL("https://direct/data/a.txt", lb)
	require.NoError(t, err)
	u2, err := NewURL("https://direct/data/b.txt", lb)
	require.NoError(t, err)

	require.Contains(t, u1.Get(), "https://m1")
	require.Contains(t, u2.Get(), "https://m2")
}

func TestURLJoinSharesBalancer(t *testing.T) {
	lb := New([]string{"https://m1", "https://m2"})
	parent, err := NewURL("https://direct/dataset", lb)
	require.NoError(t, err)

	child := parent.Join("chunk_1.txt")
	require.Same(t, parent.Balancer(), child.Balancer())
	require.Contains(t, child.Get(), "chunk_1.txt")
}
