package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktalk/server/internal/dialog/model"
)

func TestHistoryRetrieveOrder(t *testing.T) {
	h := NewHistory(nil, nil)
	h.Add(model.Entity{Name: "order_id", Value: "111", Score: 0.7}, 1)
	h.Add(model.Entity{Name: "order_id", Value: "222", Score: 0.9}, 2)
	h.Add(model.Entity{Name: "email", Value: "a@b.com", Score: 0.8}, 2)

	got := h.Retrieve("order_id")
	require.Len(t, got, 2)
	assert.Equal(t, "222", got[0].Value)
	assert.Equal(t, "111", got[1].Value)

	latest, ok := h.Latest("order_id")
	require.True(t, ok)
	assert.Equal(t, "222", latest.Value)
}

func TestHistoryRemovePromotesNextBest(t *testing.T) {
	h := NewHistory(nil, nil)
	h.Add(model.Entity{Name: "order_id", Value: "111", Score: 0.7}, 1)
	h.Add(model.Entity{Name: "order_id", Value: "222", Score: 0.9}, 2)

	h.Remove("order_id", "222")

	latest, ok := h.Latest("order_id")
	require.True(t, ok)
	assert.Equal(t, "111", latest.Value)
	assert.Len(t, h.Retrieve("order_id"), 1)
}

func TestHistorySnapshotRoundTrip(t *testing.T) {
	h := NewHistory(nil, nil)
	h.Add(model.Entity{Name: "email", Value: "a@b.com", Score: 0.8}, 3)

	entries, latest := h.Snapshot()
	h2 := NewHistory(entries, latest)

	got, ok := h2.Latest("email")
	require.True(t, ok)
	assert.Equal(t, "a@b.com", got.Value)
	assert.Equal(t, 3, got.Turn)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "john@gmail.com", NormalizeEmail("j o h n at g mail dot com"))
	assert.Equal(t, "a_b@x.io", NormalizeEmail("a underscore b at x dot io"))
	assert.Equal(t, "kept@as.is", NormalizeEmail("kept@as.is"))
	// not an address, left alone
	assert.Equal(t, "hello there", NormalizeEmail("hello there"))
}

func TestNormalizeFoldsEmailAliases(t *testing.T) {
	got := Normalize([]model.Entity{{Name: "email", Value: "x at y dot com"}})
	require.Len(t, got, 1)
	assert.Equal(t, TypeEmail, got[0].Name)
	assert.Equal(t, "x@y.com", got[0].Value)
}

func TestJoinSpelled(t *testing.T) {
	v, ok := JoinSpelled("a b 1 2 3")
	require.True(t, ok)
	assert.Equal(t, "ab123", v)

	_, ok = JoinSpelled("not spelling")
	assert.False(t, ok)
}

func TestFilterByTypes(t *testing.T) {
	in := []model.Entity{{Name: "EMAIL"}, {Name: "CARDINAL"}}
	got := FilterByTypes(in, []string{"EMAIL"})
	require.Len(t, got, 1)
	assert.Equal(t, "EMAIL", got[0].Name)

	assert.Len(t, FilterByTypes(in, nil), 2)
}
