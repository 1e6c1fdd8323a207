package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	kit "starsagent/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextHardCut(t *testing.T) {
	got := splitText(strings.Repeat("x", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, got)
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := splitText(s, 8, "HTML")
	assert.Equal(t, "abcdef", got[0])
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestMenuCommandsLimits(t *testing.T) {
	cmds := []kit.BotCommand{
		{Command: ""},
		{Command: "status"},
		{Command: "limits", Description: strings.Repeat("d", 300)},
	}
	got := menuCommands(cmds)
	assert.Len(t, got, 2)
	assert.Equal(t, "status", got[0].Description)
	assert.Len(t, got[1].Description, 256)

	assert.Equal(t, menuHash(cmds), menuHash(cmds))
	assert.NotEqual(t, menuHash(cmds), menuHash(cmds[:2]))
}
