package bank_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/proctor-backend/internal/bank"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadReadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "civics.json", `{
		"id": "civics-101",
		"title": "Civics",
		"duration_seconds": 600,
		"questions": [{"id": "q1", "text": "Q", "choices": [{"id": "a", "text": "A"}]}],
		"answer_key": {"q1": "a"}
	}`)

	b, err := bank.Load(dir, zerolog.Nop())
	require.NoError(t, err)

	def := b.Get("civics-101")
	require.NotNil(t, def)
	assert.Equal(t, 600, def.DurationSeconds)
	assert.Equal(t, "a", def.AnswerKey["q1"])
	assert.Nil(t, b.Get("missing"))
}

func TestLoadSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", `{not json`)
	writeFile(t, dir, "empty-questions.json", `{"id": "x", "questions": []}`)
	writeFile(t, dir, "no-id.json", `{"questions": [{"id": "q1"}]}`)
	writeFile(t, dir, "notes.txt", `ignored`)
	writeFile(t, dir, "good.json", `{
		"id": "ok",
		"questions": [{"id": "q1", "text": "Q", "choices": [{"id": "a", "text": "A"}]}],
		"answer_key": {"q1": "a"}
	}`)

	b, err := bank.Load(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, b.Get("ok"))
	assert.Nil(t, b.Get("x"))
}

func TestLoadMissingDirYieldsEmptyBank(t *testing.T) {
	b, err := bank.Load(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, b.Get("anything"))
}
