package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mroger/tom/modules/behavior"
)

func TestServerAndClient_RoundTripDescribeToolsAndInvoke(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "alice"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice", "behavior.md"), []byte("be concise"), 0o600))

	p := behavior.New(dir, "alice")
	srv := NewServer(p, zap.NewNop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient("behavior", ts.URL, zap.NewNop())

	assert.Equal(t, p.Describe(), client.Describe())
	assert.Equal(t, p.Complexity(), client.Complexity())
	assert.Equal(t, p.IsPersonal(), client.IsPersonal())

	tools := client.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "get_behavior_content", tools[0].Name)

	result, err := client.Invoke(context.Background(), "get_behavior_content", json.RawMessage(`{}`))
	require.NoError(t, err)
	var content string
	require.NoError(t, json.Unmarshal(result, &content))
	assert.Equal(t, "be concise", content)

	status, ok := client.BackgroundStatus(context.Background())
	assert.False(t, ok)
	assert.Empty(t, status)

	_, ok = client.PromptConsign(context.Background())
	assert.False(t, ok)
}

func TestServer_UnknownMethodReturnsError(t *testing.T) {
	p := behavior.New(t.TempDir(), "alice")
	srv := NewServer(p, zap.NewNop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient("behavior", ts.URL, zap.NewNop())
	_, err := client.call(context.Background(), "not_a_method", nil)
	assert.Error(t, err)
}
