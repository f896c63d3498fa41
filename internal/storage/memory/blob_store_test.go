package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>listing</html>")
	uri, err := store.PutObject(context.Background(), "cargurus/2024-06-01/tesla-model-3.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://cargurus/2024-06-01/tesla-model-3.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("cargurus/2024-06-01/tesla-model-3.html")
	require.True(t, ok)
	require.Equal(t, "<html>listing</html>", string(stored))
	require.Equal(t, []string{"cargurus/2024-06-01/tesla-model-3.html"}, store.Paths())

	_, err = store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
