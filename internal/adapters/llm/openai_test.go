package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariants_JSONArray(t *testing.T) {
	got, err := ParseVariants(`["realistic teapot", "cartoon teapot", "low-poly teapot", "clay teapot"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"realistic teapot", "cartoon teapot", "low-poly teapot", "clay teapot"}, got)
}

func TestParseVariants_CodeFence(t *testing.T) {
	raw := "```json\n[\"a\", \"b\", \"c\", \"d\"]\n```"
	got, err := ParseVariants(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestParseVariants_LineFallback(t *testing.T) {
	raw := "1. realistic teapot\n2. cartoon teapot\n- low-poly teapot\n* clay teapot\n"
	got, err := ParseVariants(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"realistic teapot", "cartoon teapot", "low-poly teapot", "clay teapot"}, got)
}

func TestParseVariants_ExtrasAreTruncated(t *testing.T) {
	got, err := ParseVariants(`["a", "b", "c", "d", "e"]`)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestParseVariants_TooFew(t *testing.T) {
	_, err := ParseVariants(`["only", "three", "variants"]`)
	assert.Error(t, err)
}

func TestVariants_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `["a", "b", "c", "d"]`}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "test-key", "gpt-4o-mini")
	got, err := p.Variants(context.Background(), "a teapot")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestVariants_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "test-key", "")
	_, err := p.Variants(context.Background(), "a teapot")
	assert.Error(t, err)
}
