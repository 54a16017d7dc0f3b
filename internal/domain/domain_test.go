package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func turn(id string) Turn {
	return Turn{ID: id, Query: "q" + id, Response: "r" + id}
}

func TestConversationContext_AppendEvictsOldestFirst(t *testing.T) {
	var c ConversationContext
	for _, id := range []string{"1", "2", "3", "4"} {
		c.Append(turn(id), 3)
	}
	require.Len(t, c.Turns, 3)
	require.Equal(t, "2", c.Turns[0].ID)
	require.Equal(t, "3", c.Turns[1].ID)
	require.Equal(t, "4", c.Turns[2].ID)
}

func TestConversationContext_AppendReturnsEvictedCount(t *testing.T) {
	var c ConversationContext
	require.Equal(t, 0, c.Append(turn("1"), 1))
	require.Equal(t, 1, c.Append(turn("2"), 1))
	require.Equal(t, 0, c.Append(turn("3"), 0))
	require.Len(t, c.Turns, 2)
}

func TestConversationContext_AppendTracksTopic(t *testing.T) {
	var c ConversationContext
	tr := turn("1")
	tr.Topic = "farming"
	c.Append(tr, 5)
	c.Append(turn("2"), 5)
	require.Equal(t, "farming", c.CurrentTopic)
}

func TestConversationContext_RecentAndReset(t *testing.T) {
	var c ConversationContext
	for _, id := range []string{"1", "2", "3"} {
		c.Append(turn(id), 10)
	}
	recent := c.Recent(2)
	require.Equal(t, []string{"2", "3"}, []string{recent[0].ID, recent[1].ID})
	require.Len(t, c.Recent(10), 3)
	require.Nil(t, c.Recent(0))

	c.CurrentTopic = "x"
	c.Reset()
	require.Empty(t, c.Turns)
	require.Empty(t, c.CurrentTopic)
}

func TestConversationContext_CloneIsIndependent(t *testing.T) {
	var c ConversationContext
	c.Append(turn("1"), 10)
	clone := c.Clone()
	clone.Turns[0].Query = "changed"
	require.Equal(t, "q1", c.Turns[0].Query)
}

func TestSession_MarkActivityIsMonotonic(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Session{LastActivityAt: now}
	s.MarkActivity(now.Add(-time.Minute))
	require.Equal(t, now, s.LastActivityAt)
	s.MarkActivity(now.Add(time.Minute))
	require.Equal(t, now.Add(time.Minute), s.LastActivityAt)
	require.Equal(t, 2*time.Minute, s.IdleFor(now.Add(3*time.Minute)))
	require.Zero(t, s.IdleFor(now))
}

func TestNormalizeLanguage(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "hi", want: "hi", ok: true},
		{in: "HI-in", want: "hi-IN", ok: true},
		{in: " en_us ", want: "en-US", ok: true},
		{in: "xx", want: "xx", ok: false},
		{in: "", want: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := NormalizeLanguage(tc.in)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.ok, ok)
		})
	}
}

func TestSameLanguage(t *testing.T) {
	require.True(t, SameLanguage("hi-IN", "hi"))
	require.False(t, SameLanguage("en", "hi"))
}

func TestSupportedLanguagesSorted(t *testing.T) {
	langs := SupportedLanguages()
	require.Contains(t, langs, "hi")
	require.IsIncreasing(t, langs)
}

func TestValidSessionID(t *testing.T) {
	require.True(t, ValidSessionID("3f2b8c1e-aaaa-bbbb"))
	require.False(t, ValidSessionID("short"))
	require.False(t, ValidSessionID("has space in it"))
}

func TestAccessibilityValidate(t *testing.T) {
	require.NoError(t, DefaultAccessibility().Validate())
	a := DefaultAccessibility()
	a.AudioSpeed = 5
	require.ErrorIs(t, a.Validate(), ErrInvalid)
	a = DefaultAccessibility()
	a.TextSize = 0.5
	require.ErrorIs(t, a.Validate(), ErrInvalid)
}
