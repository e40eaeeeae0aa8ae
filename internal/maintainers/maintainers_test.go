package maintainers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMaintainersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maintainers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSourceGlobalList(t *testing.T) {
	path := writeMaintainersFile(t, "maintainers:\n  - Alice\n  - bob\n  - \"  \"\n")
	source := &FileSource{Path: path}

	logins, err := source.MaintainerLogins(context.Background(), "acme/widgets")
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, logins,
		"logins are lowercased and blanks dropped")
}

func TestFileSourcePerRepoList(t *testing.T) {
	path := writeMaintainersFile(t, `
maintainers:
  - alice
repos:
  Acme/Widgets:
    - carol
  acme/gears:
    - dave
`)
	source := &FileSource{Path: path}

	logins, err := source.MaintainerLogins(context.Background(), "acme/widgets")
	require.NoError(t, err)

	assert.True(t, logins["alice"], "global maintainers always apply")
	assert.True(t, logins["carol"], "repo keys match case-insensitively")
	assert.False(t, logins["dave"], "other repos' maintainers are excluded")
}

func TestFileSourceErrors(t *testing.T) {
	source := &FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err := source.MaintainerLogins(context.Background(), "acme/widgets")
	assert.Error(t, err)

	source = &FileSource{Path: writeMaintainersFile(t, "maintainers: {not: [valid")}
	_, err = source.MaintainerLogins(context.Background(), "acme/widgets")
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	source := &StaticSource{Logins: []string{"Alice", " bob ", ""}}
	logins, err := source.MaintainerLogins(context.Background(), "any/repo")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, logins)
}
