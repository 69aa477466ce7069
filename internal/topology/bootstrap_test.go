package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-broker/internal/domain"
)

const sampleTopology = `
nodes:
  - id: gpu-a
    cpu_usage: 12.5
    mem_usage: 64
    gpus:
      - id: "0"
        max_mem: 80
        mem_usage: 0
      - id: "1"
        max_mem: 80
        mem_usage: 10.5
        processes:
          - pid: 4242
            user: alice
            mem_usage: 10.5
`

func TestLoadFile_ParsesNodesGPUsAndProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTopology), 0o644))

	snap, err := LoadFile(path)
	require.NoError(t, err)

	g, err := snap.GPU("gpu-a", "1")
	require.NoError(t, err)
	assert.True(t, g.MaxMemoryGB.Equal(gb(80)))
	require.Len(t, g.Processes, 1)
	assert.Equal(t, 4242, g.Processes[0].PID)
	assert.True(t, g.Processes[0].MemoryGB.Equal(gb(10.5)))
}

func TestParse_RejectsInvalidTopology(t *testing.T) {
	_, err := Parse([]byte(`nodes: [{id: n1, gpus: [{id: "0", max_mem: 0}]}]`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = Parse([]byte(`nodes: [{id: n1}, {id: n1}]`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = Parse([]byte(`nodes: {`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
