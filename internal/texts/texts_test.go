package texts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogIsComplete(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Contains(t, c.AskEmail, "{name}")
	assert.Contains(t, c.AskPermission, "{handle}")
	assert.Contains(t, c.GenerationFailed, "{reset}")
}

func TestRender(t *testing.T) {
	got := Render("Oi {name}, @{handle}. Envie {reset}.", Vars{Name: "Ana", Handle: "ana.doces", Reset: "reset"})
	assert.Equal(t, "Oi Ana, @ana.doces. Envie reset.", got)

	assert.Equal(t, "Obrigado, você!", Render("Obrigado, {name}!", Vars{}))
}

func TestLoadOverridesSomeKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "texts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("welcome: \"Olá! Qual é o seu nome?\"\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Olá! Qual é o seu nome?", c.Welcome)
	assert.Equal(t, Default().AskHandle, c.AskHandle)
}

func TestLoadRejectsBlankedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "texts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("final: \"  \"\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.True(t, strings.Contains(err.Error(), "final"))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("welcome: [unclosed"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}
