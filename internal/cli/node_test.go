package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_Unclustered(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "", "-c", path, "node")
	require.NoError(t, err)
	assert.Contains(t, out, "repository: clitest")
	assert.Contains(t, out, "id type:    varchar")
	assert.Contains(t, out, "clustering disabled")
}

func TestNode_Clustered(t *testing.T) {
	path := writeConfig(t, "clustering:\n  enabled: true\n  delay: 250ms\n")

	out, err := execute(t, "", "-c", path, "--format", "json", "node")
	require.NoError(t, err)

	var info NodeInfo
	resp := decode(t, out, &info)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, info.Clustered)
	assert.NotEmpty(t, info.NodeID)
	assert.Equal(t, "250ms", info.Delay)
}

func TestNode_BadConfig(t *testing.T) {
	path := writeConfig(t, "id_type: uuid\n")

	_, err := execute(t, "", "-c", path, "node")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
