package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSink(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, sink)
}
