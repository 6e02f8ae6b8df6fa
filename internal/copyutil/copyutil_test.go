package copyutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/a.grib", []byte("GRIB....7777"), 0o644))

	require.NoError(t, CopyAtomic(fs, "/in/a.grib", "/out/sub/a.grib"))

	got, err := afero.ReadFile(fs, "/out/sub/a.grib")
	require.NoError(t, err)
	assert.Equal(t, "GRIB....7777", string(got))

	tmp, err := afero.Exists(fs, "/out/sub/a.grib.tmp")
	require.NoError(t, err)
	assert.False(t, tmp)
}

func TestMoveIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/a", []byte("x"), 0o644))

	require.NoError(t, Move(fs, "/in/a", "/out/a"))
	require.NoError(t, Move(fs, "/in/a", "/out/a"))

	src, _ := afero.Exists(fs, "/in/a")
	dst, _ := afero.Exists(fs, "/out/a")
	assert.False(t, src)
	assert.True(t, dst)
}

func TestMoveMissing(t *testing.T) {
	assert.Error(t, Move(afero.NewMemMapFs(), "/in/none", "/out/none"))
}
