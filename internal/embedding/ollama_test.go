package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(i)
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	srv := embedServer(t, 768)
	eng, err := NewOllamaEngine(srv.URL, "nomic-embed-text:latest", 768)
	require.NoError(t, err)

	vec, err := eng.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 768)
	assert.Equal(t, 768, eng.Dimensions())
	assert.Equal(t, "ollama:nomic-embed-text:latest", eng.Name())
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	srv := embedServer(t, 384)
	eng, err := NewOllamaEngine(srv.URL, "nomic-embed-text:latest", 768)
	require.NoError(t, err)

	_, err = eng.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 768")
}

func TestEmbedBatch(t *testing.T) {
	srv := embedServer(t, 8)
	eng, err := NewOllamaEngine(srv.URL, "m", 8)
	require.NoError(t, err)

	vecs, err := eng.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 8)
}
