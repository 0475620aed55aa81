package workunit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type touchUnit struct {
	Path  string `json:"path"`
	ran   bool
	ready bool
}

func (u *touchUnit) Kind() string { return "test.touch" }

func (u *touchUnit) Restore() error {
	u.ready = true
	return nil
}

func (u *touchUnit) Run(context.Context) error {
	u.ran = true
	return os.WriteFile(u.Path, []byte("ok"), 0o644)
}

func init() {
	Register("test.touch", func() Serializable { return &touchUnit{} })
}

func TestEncodeDecode(t *testing.T) {
	b, err := Encode(&touchUnit{Path: "/tmp/x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"test.touch","spec":{"path":"/tmp/x"}}`, string(b))

	u, err := Decode(b)
	require.NoError(t, err)
	tu, ok := u.(*touchUnit)
	require.True(t, ok)
	assert.Equal(t, "/tmp/x", tu.Path)
	assert.True(t, tu.ready, "Restore runs after decode")
}

func TestEncode_NotSerializable(t *testing.T) {
	_, err := Encode(Func(func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, ErrNotSerializable)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"nope","spec":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestClone_IsIndependent(t *testing.T) {
	orig := &touchUnit{Path: "a"}
	c, err := Clone(orig)
	require.NoError(t, err)

	orig.Path = "b"
	assert.Equal(t, "a", c.(*touchUnit).Path)
}

func TestClone_FuncReturnedAsIs(t *testing.T) {
	called := false
	f := Func(func(context.Context) error { called = true; return nil })
	c, err := Clone(f)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))
	assert.True(t, called)
}

type selfCopyUnit struct {
	touchUnit
	copies int
}

func (u *selfCopyUnit) Clone() (Unit, error) {
	u.copies++
	return &selfCopyUnit{touchUnit: u.touchUnit}, nil
}

func TestClone_PrefersCloner(t *testing.T) {
	orig := &selfCopyUnit{touchUnit: touchUnit{Path: "a"}}
	c, err := Clone(orig)
	require.NoError(t, err)
	assert.Equal(t, 1, orig.copies)
	got, ok := c.(*selfCopyUnit)
	require.True(t, ok)
	assert.Equal(t, "a", got.Path)
	assert.False(t, got.ready, "a Cloner is not decoded, so Restore is not called")
}

func TestSaveLoadAndRun(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	file := filepath.Join(dir, "unit.json")

	require.NoError(t, Save(&touchUnit{Path: target}, file))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	u, err := LoadAndRun(context.Background(), file)
	require.NoError(t, err)
	assert.True(t, u.(*touchUnit).ran)
	assert.FileExists(t, target)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFunc_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Func(func(context.Context) error { return boom }).Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRegister_Duplicate(t *testing.T) {
	assert.Panics(t, func() {
		Register("test.touch", func() Serializable { return &touchUnit{} })
	})
	assert.Contains(t, Kinds(), "test.touch")
}
