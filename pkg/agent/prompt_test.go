package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigachain-team/giga-agent/pkg/checkpoint"
	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/tools/rag"
)

func TestAnnotate(t *testing.T) {
	now := time.Date(2024, 3, 8, 9, 5, 0, 0, time.UTC)

	t.Run("should frame the task with date and next step", func(t *testing.T) {
		msg := &Message{Role: RoleUser, Content: "plot sales"}
		annotate(msg, now, "ru")

		assert.True(t, strings.HasPrefix(msg.Content, "<task>plot sales</task> Actively plan"))
		assert.Contains(t, msg.Content, "Current date: 08.03.2024 09:05")
		assert.NotContains(t, msg.Content, "Selected user language")
		assert.True(t, strings.HasSuffix(msg.Content, "Next step: "))
		assert.Equal(t, "plot sales", msg.Metadata[MetaOriginalContent])
	})

	t.Run("should name a non-default language", func(t *testing.T) {
		msg := &Message{Role: RoleUser, Content: "hi"}
		annotate(msg, now, "en")
		assert.Contains(t, msg.Content, "Selected user language: en")
	})

	t.Run("should list files and selected attachments", func(t *testing.T) {
		msg := &Message{
			Role:    RoleUser,
			Content: "look",
			Files: []FileRef{
				{Path: "files/a.csv"},
				{Path: "files/b.png", ImagePath: "img-1"},
			},
			Selected: map[string]string{"att-2": "second", "att-1": "first"},
		}
		annotate(msg, now, "ru")

		assert.Contains(t, msg.Content, "<files_data>File uploaded at path: 'files/a.csv'\n----\n")
		assert.Contains(t, msg.Content, "![alt-text](attachment:img-1)")
		first := strings.Index(msg.Content, "![first](attachment:att-1)")
		second := strings.Index(msg.Content, "![second](attachment:att-2)")
		require.NotEqual(t, -1, first)
		assert.Less(t, first, second)
	})

	t.Run("should not frame twice", func(t *testing.T) {
		msg := &Message{Role: RoleUser, Content: "once"}
		annotate(msg, now, "ru")
		framed := msg.Content
		annotate(msg, now, "ru")
		assert.Equal(t, framed, msg.Content)
	})
}

func TestBuildSystemPrompt(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(funcTool("weather", registry.KindRemote, nil))

	c, err := NewController(Config{
		Registry: reg,
		Store:    checkpoint.NewMemoryStore(),
		Profiles: []AuthProfile{{ID: "p", Provider: "openai"}},
		Agent:    AgentConfig{Model: "m", Language: "en", UserNotes: "call me Sam", CodeFromMessage: true},
	})
	require.NoError(t, err)

	t.Run("should describe tools, language and notes", func(t *testing.T) {
		prompt := c.buildSystemPrompt(NewState("t"))
		assert.Contains(t, prompt, codeInMessage)
		assert.Contains(t, prompt, "['weather']")
		assert.Contains(t, prompt, "summarize(texts")
		assert.Contains(t, prompt, "Answer in the user's language: en.")
		assert.Contains(t, prompt, "USER NOTES\ncall me Sam")
		assert.NotContains(t, prompt, "KNOWLEDGE BASE")
	})

	t.Run("should describe attached collections", func(t *testing.T) {
		st := NewState("t")
		st.Collections = []rag.Collection{{UUID: "u-1", Name: "Policies", Metadata: map[string]any{"description": "HR rules"}}}
		prompt := c.buildSystemPrompt(st)
		assert.Contains(t, prompt, "KNOWLEDGE BASE")
		assert.Contains(t, prompt, "Collection name: Policies")
		assert.Contains(t, prompt, "Collection description: HR rules")
	})

	t.Run("should keep an override prompt", func(t *testing.T) {
		c.systemPrompt = "custom"
		defer func() { c.systemPrompt = "" }()
		assert.True(t, strings.HasPrefix(c.buildSystemPrompt(NewState("t")), "custom"))
	})
}

func TestPreamble(t *testing.T) {
	c := &Controller{replTools: []string{"summarize"}, toolURL: "http://tools:8811"}
	st := NewState("thread-9")
	st.CheckpointID = "cp-1"

	p := c.preamble(st, []registry.Descriptor{{Name: "python"}, {Name: "weather"}})
	assert.Equal(t, []string{"python", "weather"}, p.ToolNames)
	assert.Equal(t, "http://tools:8811", p.ToolURL)
	assert.Equal(t, "thread-9", p.ThreadID)
	assert.Equal(t, "cp-1", p.CheckpointID)
}
