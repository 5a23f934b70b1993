package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePorcelain(t *testing.T) {
	out := " M internal/server.go\n" +
		"M  internal/config.go\n" +
		"A  cmd/main.go\n" +
		"?? notes.txt\n" +
		"R  old_name.go -> new_name.go\n" +
		" D removed.go\n" +
		"D  staged_removed.go\n" +
		"UU conflicted.go\n"

	files := parsePorcelain(out)
	require.Len(t, files, 8)

	assert.Equal(t, FileStatus{Path: "internal/server.go", Status: "M", Staged: false}, files[0])
	assert.Equal(t, FileStatus{Path: "internal/config.go", Status: "M", Staged: true}, files[1])
	assert.Equal(t, FileStatus{Path: "cmd/main.go", Status: "A", Staged: true}, files[2])
	assert.Equal(t, FileStatus{Path: "notes.txt", Status: "untracked", Staged: false}, files[3])
	assert.Equal(t, FileStatus{Path: "new_name.go", Status: "R", Staged: true}, files[4])
	assert.Equal(t, FileStatus{Path: "removed.go", Status: "D", Staged: false}, files[5])
	assert.Equal(t, FileStatus{Path: "staged_removed.go", Status: "D", Staged: true}, files[6])
	assert.Equal(t, FileStatus{Path: "conflicted.go", Status: "U", Staged: false}, files[7])
}

func TestParsePorcelainEmpty(t *testing.T) {
	assert.Empty(t, parsePorcelain(""))
	assert.Empty(t, parsePorcelain("\n\n"))
}

func TestDepthOf(t *testing.T) {
	assert.Equal(t, 1, depthOf("a"))
	assert.Equal(t, 2, depthOf("a/b"))
	assert.Equal(t, 4, depthOf("a/b/c/d"))
}
