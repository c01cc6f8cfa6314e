package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"prod", "dev", ""} {
		l, err := New(env)
		require.NoError(t, err, env)
		require.NotNil(t, l, env)
	}
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))

	l := zap.NewExample()
	require.Same(t, l, OrNop(l))
}
