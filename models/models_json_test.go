package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMediaCandidateSetJSONSerialization verifies the error field is omitted on success
func TestMediaCandidateSetJSONSerialization(t *testing.T) {
	ok := MediaCandidateSet{Images: []string{"https://example.com/a.jpg"}, Title: "Example"}

	jsonBytes, err := json.Marshal(ok)
	require.NoError(t, err)

	var unmarshaled map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &unmarshaled))

	_, exists := unmarshaled["error"]
	assert.False(t, exists, "error should be omitted when empty")
	assert.Equal(t, false, unmarshaled["isFallback"])

	failed := MediaCandidateSet{Images: []string{}, Error: "fetch failed"}
	jsonBytes, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.Contains(t, string(jsonBytes), `"error":"fetch failed"`)
	assert.Contains(t, string(jsonBytes), `"images":[]`)
}

func TestParseContentKind(t *testing.T) {
	tests := []struct {
		input   string
		want    ContentKind
		wantErr bool
	}{
		{input: "news", want: KindNews},
		{input: " Tool ", want: KindTool},
		{input: "video", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseContentKind(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecoveredContentAccessors(t *testing.T) {
	var content RecoveredContent
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Notion","features":["Docs",3,"Wikis"],"readTime":4}`), &content))

	assert.Equal(t, "Notion", content.Headline(KindTool))
	assert.Equal(t, "", content.Headline(KindNews))
	assert.Equal(t, []string{"Docs", "Wikis"}, content.Strings("features"))

	n, ok := content.Int("readTime")
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	missing := content.Missing(KindTool)
	assert.Contains(t, missing, "description")
	assert.NotContains(t, missing, "name")
}

func TestFetchResultAsError(t *testing.T) {
	assert.NoError(t, FetchResult{URL: "https://example.com", HTML: "<html></html>"}.AsError())

	blocked := FetchResult{URL: "https://example.com", Reason: FailureBlocked, StatusCode: 403}
	err := blocked.AsError()
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FailureBlocked, fe.Reason)
	assert.Equal(t, 403, fe.StatusCode)
	assert.Contains(t, err.Error(), "blocked")
}

func TestContextConstructors(t *testing.T) {
	assert.True(t, URLContext(" https://example.com ").IsURL())
	assert.Equal(t, "https://example.com", URLContext(" https://example.com ").Value)
	assert.False(t, TextContext("https://looks-like-a-url.example").IsURL())
}
