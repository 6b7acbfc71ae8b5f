package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/tasktalk/server/internal/core/error"
	"github.com/tasktalk/server/internal/dialog/model"
)

func TestMemoryRepoRoundTrip(t *testing.T) {
	r := NewMemorySessionRepository()
	sess := model.NewSession("c1")
	sess.PushTask("check_order")
	sess.Collected("check_order")["email"] = "a@b.com"

	require.NoError(t, r.Save(t.Context(), sess))

	got, err := r.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"check_order"}, got.TaskStack)
	assert.Equal(t, "a@b.com", got.CollectedEntities["check_order"]["email"])
}

func TestMemoryRepoMissingIsNotFound(t *testing.T) {
	r := NewMemorySessionRepository()
	_, err := r.Get(t.Context(), "nope")
	require.Error(t, err)
	assert.True(t, errx.NotFound(err))
}

func TestMemoryRepoCopiesOnGet(t *testing.T) {
	r := NewMemorySessionRepository()
	sess := model.NewSession("c1")
	require.NoError(t, r.Save(t.Context(), sess))

	first, err := r.Get(t.Context(), "c1")
	require.NoError(t, err)
	first.PushTask("mutate")

	second, err := r.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.Empty(t, second.TaskStack)
}

func TestMemoryRepoDelete(t *testing.T) {
	r := NewMemorySessionRepository()
	sess := model.NewSession("c1")
	require.NoError(t, r.Save(t.Context(), sess))
	require.NoError(t, r.Delete(t.Context(), "c1"))

	_, err := r.Get(t.Context(), "c1")
	assert.True(t, errx.NotFound(err))
}

func TestSaveRejectsEmptyID(t *testing.T) {
	r := NewMemorySessionRepository()
	err := r.Save(t.Context(), &model.Session{})
	assert.Error(t, err)
}
