package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gigachain-team/giga-agent/pkg/registry"
)

const (
	PythonToolName = "python"
	ShellToolName  = "shell"

	plotlyMIME = "application/vnd.plotly.v1+json"
	pngMIME    = "image/png"
)

// traceback frames pointing into library files only add noise for the model
var tracebackFrames = regexp.MustCompile(`(?m)(.+?/.+?py.+\n(.+\n)+\n)`)

// PythonTool runs code in the session kernel.
type PythonTool struct {
	exec     Executor
	uploader FileUploader
	desc     registry.Descriptor
}

// NewPythonTool creates the python built-in. With codeFromMessage the model
// writes code in its message and the tool takes no arguments.
func NewPythonTool(exec Executor, uploader FileUploader, codeFromMessage bool) *PythonTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{"type": "string", "description": "Python code"},
		},
		"required": []any{"code"},
	}
	if codeFromMessage {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &PythonTool{
		exec:     exec,
		uploader: uploader,
		desc: registry.Descriptor{
			Name:        PythonToolName,
			Description: "IPython interpreter. Returns the execution result. If an error occurs, write corrected code.",
			Parameters:  params,
		},
	}
}

func (t *PythonTool) Descriptor() registry.Descriptor { return t.desc }

func (t *PythonTool) Kind() registry.Kind { return registry.KindBuiltin }

// Invoke executes args["code"] and returns {message, giga_attachments, is_exception}.
func (t *PythonTool) Invoke(ctx context.Context, args map[string]any, ic registry.InvokeContext) (any, error) {
	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("python: code is required")
	}
	return t.run(ctx, code, ic)
}

func (t *PythonTool) run(ctx context.Context, code string, ic registry.InvokeContext) (map[string]any, error) {
	if ic.KernelID == "" {
		return nil, fmt.Errorf("python: session has no kernel")
	}

	resp, err := t.exec.Execute(ctx, ic.KernelID, code)
	if err != nil {
		return nil, err
	}

	var results []string
	if resp.Result != nil {
		results = append(results, strings.TrimSpace(*resp.Result))
	}

	files := collectRunFiles(resp.Attachments)
	attachments := []any{}
	if len(files) > 0 && t.uploader != nil {
		saved, err := t.uploader.UploadRunFiles(ctx, files, ic.ThreadID)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", ic.ThreadID).Msg("Failed to upload run files")
		}
		for _, f := range saved {
			attachments = append(attachments, f.Attachment())
			results = append(results, describeUpload(f))
		}
	}

	result := strings.Join(results, "\n")
	if len(files) > 0 {
		result += "\nRemember that you can analyze images: compare what you expected the chart to show with what it actually shows!" +
			"\nYou MUST show the images/charts to the user in the final answer!"
	}

	return map[string]any{
		"message":          executionMessage(result, resp),
		"giga_attachments": attachments,
		"is_exception":     resp.IsException,
	}, nil
}

func executionMessage(result string, resp *ExecutionResult) string {
	result = strings.TrimSpace(result)
	if !resp.IsException {
		return fmt.Sprintf("Execution result: \"%s\". The code ran without errors. Check the variables you need. "+
			"The user does not see this output, rewrite it if needed.\n"+
			"Check your plan. You have to complete the whole task, do not rush your answer. Your next step: ", result)
	}

	exc := tracebackFrames.ReplaceAllString(resp.Exception, "")
	msg := fmt.Sprintf("Execution result: \"%s\".\n An error occurred while running the code: \"%s\"!!.\nFix the error.", result, exc)
	if strings.Contains(exc, "KeyboardInterrupt") {
		msg += "Your code ran too long! Split it into simpler steps that finish in under 40 seconds, or use a faster algorithm."
	}
	return msg
}

func collectRunFiles(attachments []map[string]any) []RunFile {
	var files []RunFile
	for _, att := range attachments {
		if plot, ok := att[plotlyMIME]; ok {
			data, err := json.Marshal(plot)
			if err != nil {
				continue
			}
			files = append(files, RunFile{Path: "repl/" + uuid.NewString() + ".json", FileType: FilePlotlyGraph, Content: data})
			continue
		}
		if png, ok := att[pngMIME].(string); ok {
			files = append(files, RunFile{Path: "repl/" + uuid.NewString() + ".png", FileType: FileImage, Content: []byte(png)})
		}
	}
	return files
}

func describeUpload(f UploadedFile) string {
	var info string
	switch f.FileType {
	case FilePlotlyGraph:
		info = "A chart was generated during execution. "
	case FileImage:
		info = "An image was generated during execution. "
	}
	return info + fmt.Sprintf("Its path is '%s'. You can show it to the user with \"![alt-text](attachment:%s)\" ", f.Path, f.Path)
}

// ShellTool runs a shell command in the session kernel.
type ShellTool struct {
	python *PythonTool
}

// NewShellTool creates the shell built-in on top of the python executor.
func NewShellTool(exec Executor, uploader FileUploader) *ShellTool {
	return &ShellTool{python: NewPythonTool(exec, uploader, false)}
}

func (t *ShellTool) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name: ShellToolName,
		Description: "Runs a shell command in the Jupyter notebook. Use it to run commands in the user's OS " +
			"and always to install packages from PyPI.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Shell command"},
			},
			"required": []any{"command"},
		},
	}
}

func (t *ShellTool) Kind() registry.Kind { return registry.KindBuiltin }

// Invoke runs the command as a "!" line and returns only the message.
func (t *ShellTool) Invoke(ctx context.Context, args map[string]any, ic registry.InvokeContext) (any, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("shell: command is required")
	}
	if !strings.HasPrefix(command, "!") {
		command = "!" + command
	}
	out, err := t.python.run(ctx, command, ic)
	if err != nil {
		return nil, err
	}
	return out["message"], nil
}
