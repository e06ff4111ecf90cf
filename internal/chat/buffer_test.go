package chat

import (
	"strconv"
	"testing"

	"github.com/npezzotti/go-chat-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(from, to int) []types.ChatMessage {
	var out []types.ChatMessage
	for i := from; i <= to; i++ {
		out = append(out, msg(strconv.Itoa(i), "u"+strconv.Itoa(i%3)))
	}
	return out
}

func ids(list []types.ChatMessage) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestAppendCap(t *testing.T) {
	var buf []types.ChatMessage
	for _, m := range seq(1, 250) {
		buf = Append(buf, m)
		require.LessOrEqual(t, len(buf), MaxMessages)
	}

	assert.Len(t, buf, MaxMessages)
	assert.Equal(t, ids(seq(151, 250)), ids(buf), "expected the newest messages in arrival order")
}

func TestAppendDoesNotMutate(t *testing.T) {
	full := seq(1, MaxMessages)
	snapshot := ids(full)

	out := Append(full, msg("new", "u1"))

	assert.Equal(t, snapshot, ids(full))
	assert.Equal(t, "2", out[0].ID)
	assert.Equal(t, "new", out[len(out)-1].ID)
}

func TestReplaceAll(t *testing.T) {
	t.Run("keeps the newest when over capacity", func(t *testing.T) {
		out := ReplaceAll(seq(1, 130))
		assert.Equal(t, ids(seq(31, 130)), ids(out))
	})

	t.Run("copies its input", func(t *testing.T) {
		in := seq(1, 3)
		out := ReplaceAll(in)
		out[0].Message = "changed"
		assert.NotEqual(t, "changed", in[0].Message)
	})

	t.Run("empty history", func(t *testing.T) {
		assert.Empty(t, ReplaceAll(nil))
	})
}

func TestRemoveByID(t *testing.T) {
	buf := seq(1, 3)

	once := RemoveByID(buf, "2")
	twice := RemoveByID(once, "2")

	assert.Equal(t, []string{"1", "3"}, ids(once))
	assert.Equal(t, ids(once), ids(twice), "expected removal to be idempotent")
	assert.Equal(t, []string{"1", "2", "3"}, ids(buf))
}

func TestReplaceByID(t *testing.T) {
	buf := seq(1, 3)

	edited := msg("2", "u2")
	edited.Message = "edited"
	out := ReplaceByID(buf, edited)
	assert.Equal(t, "edited", out[1].Message)
	assert.NotEqual(t, "edited", buf[1].Message)

	missing := ReplaceByID(buf, msg("9", "u9"))
	assert.Equal(t, ids(buf), ids(missing), "expected unknown ids to be dropped")
}

func TestRemoveByUser(t *testing.T) {
	buf := []types.ChatMessage{msg("1", "alice"), msg("2", "bob"), msg("3", "alice"), msg("4", "carol")}

	out := RemoveByUser(buf, "alice")
	assert.Equal(t, []string{"2", "4"}, ids(out))

	assert.Equal(t, ids(out), ids(RemoveByUser(out, "alice")))
	assert.Len(t, buf, 4)
}
