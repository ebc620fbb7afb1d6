package messages

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelflow/modelflow/model"
)

func textMessage(role model.Role, text string) model.Message {
	return model.Message{
		Role:  role,
		Parts: []model.Part{{Kind: model.PartText, Text: text}},
	}
}

func TestChannelsSeparateInputFromResponses(t *testing.T) {
	l := New(
		textMessage(model.RoleSystem, "be brief"),
		textMessage(model.RoleUser, "hi"),
	)
	l.Append(textMessage(model.RoleAssistant, "hello"), ChannelResponse)

	require.Equal(t, 3, l.Len())
	require.Len(t, l.Input(), 2)
	require.Len(t, l.Response(), 1)

	all := l.All()
	require.Len(t, all, 3)
	require.Equal(t, model.RoleSystem, all[0].Role)
	require.Equal(t, model.RoleUser, all[1].Role)
	require.Equal(t, model.RoleAssistant, all[2].Role)
}

func TestSimplifiedConcatenatesTextParts(t *testing.T) {
	l := New()
	l.Append(model.Message{
		Role: model.RoleAssistant,
		Parts: []model.Part{
			{Kind: model.PartText, Text: "first"},
			{Kind: model.PartToolCall, ToolName: "lookup"},
			{Kind: model.PartText, Text: " second"},
		},
	}, ChannelResponse)

	simple := l.Simplified()
	require.Len(t, simple, 1)
	require.Equal(t, model.RoleAssistant, simple[0].Role)
	require.Equal(t, "first second", simple[0].Content)
}

func TestAppendPreservesOrder(t *testing.T) {
	l := New(textMessage(model.RoleUser, "q1"))
	l.Append(textMessage(model.RoleAssistant, "a1"), ChannelResponse)
	l.Append(textMessage(model.RoleUser, "q2"), ChannelInput)
	l.Append(textMessage(model.RoleAssistant, "a2"), ChannelResponse)

	var got []string
	for _, s := range l.Simplified() {
		got = append(got, s.Content)
	}
	require.Equal(t, []string{"q1", "a1", "q2", "a2"}, got)
	require.Len(t, l.Input(), 2)
	require.Len(t, l.Response(), 2)
}
