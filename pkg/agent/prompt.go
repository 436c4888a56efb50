package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gigachain-team/giga-agent/pkg/kernel"
	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/tools/rag"
)

const systemPrompt = `You are GigaAgent, an assistant that solves the user's tasks step by step with tools.

====

THINKING
Think about the task before every action and after every tool result. Write your reasoning inside a <thinking> tag:
- list the rules that apply to the current request;
- check whether you have all the information you need;
- check the tool results and reflect on them.

====

PYTHON
You work in a Jupyter kernel. %s
Results of every tool call are stored in the function_results list of the kernel, use it to inspect large results.
%s

====

RULES
- Call at most one tool per message and wait for its result.
- Show generated images and charts to the user with their attachment links.
- Answer in the user's language: %s.
%s%s`

const codeInMessage = "Write python code in your message inside a ```python block, then call the python tool without arguments."

const codeInArgs = "Pass python code in the code argument of the python tool."

const notesPrompt = "\n===\n\nUSER NOTES\n%s \n"

// replToolDocs documents the helper functions the kernel image provides.
var replToolDocs = map[string]string{
	"predict_sentiments": "predict_sentiments(texts: list[str]) -> list[dict]\n    Sentiment of each text.",
	"summarize":          "summarize(texts: list[str]) -> list[str]\n    Short summary of each text.",
	"get_embeddings":     "get_embeddings(texts: list[str]) -> list[list[float]]\n    Embedding vector of each text.",
}

// replToolsDescription tells the model which functions its python code can
// call.
func replToolsDescription(replTools []string, serviceTools []string) string {
	docs := make([]string, 0, len(replTools))
	for _, name := range replTools {
		if doc, ok := replToolDocs[name]; ok {
			docs = append(docs, doc)
		} else {
			docs = append(docs, name+"(**kwargs)")
		}
	}
	quoted := make([]string, 0, len(serviceTools))
	for _, name := range serviceTools {
		quoted = append(quoted, "'"+name+"'")
	}
	return fmt.Sprintf("The code has additional functions:\n```\n%s\n```\n"+
		"You can also call these functions from code: [%s]. Their arguments and descriptions are given in your functions!\n"+
		"Call these functions with keyword arguments only",
		strings.Join(docs, "\n"), strings.Join(quoted, ", "))
}

// buildSystemPrompt assembles the system prompt for one model call.
func (c *Controller) buildSystemPrompt(st *State) string {
	if c.systemPrompt != "" {
		return c.systemPrompt + rag.Info(st.Collections) + userNotes(c.agent.UserNotes)
	}
	codeHint := codeInArgs
	if c.agent.CodeFromMessage {
		codeHint = codeInMessage
	}
	services := make([]string, 0)
	for _, t := range c.registry.ServiceTools() {
		services = append(services, t.Descriptor().Name)
	}
	return fmt.Sprintf(systemPrompt,
		codeHint,
		replToolsDescription(c.replTools, services),
		c.agent.Language,
		rag.Info(st.Collections),
		userNotes(c.agent.UserNotes),
	)
}

func userNotes(notes string) string {
	if notes == "" {
		return ""
	}
	return fmt.Sprintf(notesPrompt, notes)
}

// userInfo is the date and language block appended to every task.
func userInfo(now time.Time, lang string) string {
	extra := ""
	if !strings.HasPrefix(lang, "ru") {
		extra = "\nSelected user language: " + lang + "\n"
	}
	return "<user_info>\nCurrent date: " + now.Format("02.01.2006 15:04") + extra + "</user_info>"
}

// annotate wraps the raw user input with the task framing, uploaded files
// and selected attachments. The raw input is kept in metadata.
func annotate(msg *Message, now time.Time, lang string) {
	if annotated, _ := msg.Metadata[MetaAnnotated].(bool); annotated {
		return
	}

	var files []string
	for _, f := range msg.Files {
		p := fmt.Sprintf("File uploaded at path: '%s'", f.Path)
		if f.ImagePath != "" {
			p += fmt.Sprintf("\nThe file is an image, display it with: '![alt-text](attachment:%s)'.", f.ImagePath)
		}
		files = append(files, p)
	}
	filePrompt := ""
	if len(files) > 0 {
		filePrompt = "<files_data>" + strings.Join(files, "\n----\n") + "</files_data>"
	}

	selectedPrompt := ""
	if len(msg.Selected) > 0 {
		keys := make([]string, 0, len(msg.Selected))
		for k := range msg.Selected {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, fmt.Sprintf("![%s](attachment:%s)", msg.Selected[k], k))
		}
		selectedPrompt = "The user pointed at these attachments: \n" + strings.Join(items, "\n")
	}

	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata[MetaOriginalContent] = msg.Content
	msg.Metadata[MetaAnnotated] = true
	msg.Content = fmt.Sprintf("<task>%s</task> Actively plan and follow your plan! Act in simple steps!%s\n%s\n%s\nNext step: ",
		msg.Content, userInfo(now, lang), filePrompt, selectedPrompt)
}

// preamble builds the kernel preamble for a python call.
func (c *Controller) preamble(st *State, tools []registry.Descriptor) kernel.Preamble {
	names := make([]string, 0, len(tools))
	for _, d := range tools {
		names = append(names, d.Name)
	}
	return kernel.Preamble{
		ToolNames:    names,
		REPLTools:    c.replTools,
		ToolURL:      c.toolURL,
		ThreadID:     st.ThreadID,
		CheckpointID: st.CheckpointID,
	}
}
