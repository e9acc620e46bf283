package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"archiflow/internal/config"
	"archiflow/internal/domain"
	"archiflow/internal/engine"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	rt, err := Open(Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, config.Default(), rt.Config)

	var seen []domain.ChangeEvent
	rt.Events.Subscribe(func(evt domain.ChangeEvent) { seen = append(seen, evt) })
	_, err = rt.Engine.CreateContract(context.Background(), engine.ContractCreateOptions{ClientName: "Runtime"})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	workspace := t.TempDir()
	yml := "assistant:\n  model: local-model\n  api_key_env: ARCHIFLOW_TEST_KEY\nlog:\n  level: warn\n"
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(yml), 0o644))

	rt, err := Open(Options{Workspace: workspace, LogLevel: "debug"})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "local-model", rt.Config.Assistant.Model)
	assert.Equal(t, "debug", rt.Config.Log.Level)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("log:\n  format: xml\n"), 0o644))
	_, err := Open(Options{Workspace: workspace, Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestChatRequiresAPIKey(t *testing.T) {
	t.Setenv("ARCHIFLOW_TEST_KEY", "")
	rt, err := Open(Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer rt.Close()
	rt.Config.Assistant.APIKeyEnv = "ARCHIFLOW_TEST_KEY"

	_, err = rt.Chat(nil)
	require.ErrorIs(t, err, ErrNoAPIKey)
	assert.Contains(t, err.Error(), "ARCHIFLOW_TEST_KEY")

	t.Setenv("ARCHIFLOW_TEST_KEY", "sk-test")
	m, err := rt.Chat(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}
