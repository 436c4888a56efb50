package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigachain-team/giga-agent/pkg/registry"
)

type fakeExecutor struct {
	lastCode string
	result   *ExecutionResult
	err      error
}

func (f *fakeExecutor) StartKernel(ctx context.Context) (string, error) { return "k", nil }

func (f *fakeExecutor) Execute(ctx context.Context, kernelID, code string) (*ExecutionResult, error) {
	f.lastCode = code
	return f.result, f.err
}

type fakeUploader struct {
	files []RunFile
}

func (f *fakeUploader) UploadRunFiles(ctx context.Context, files []RunFile, threadID string) ([]UploadedFile, error) {
	f.files = files
	out := make([]UploadedFile, len(files))
	for i, file := range files {
		out[i] = UploadedFile{Path: "runs/" + threadID + "/" + file.Path, FileType: file.FileType}
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestPythonTool_Success(t *testing.T) {
	exec := &fakeExecutor{result: &ExecutionResult{Result: strPtr(" 42 \n")}}
	tool := NewPythonTool(exec, &fakeUploader{}, false)

	out, err := tool.Invoke(context.Background(), map[string]any{"code": "print(42)"}, registry.InvokeContext{KernelID: "k", ThreadID: "t"})
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, false, res["is_exception"])
	assert.Contains(t, res["message"], `Execution result: "42"`)
	assert.Empty(t, res["giga_attachments"])
	assert.Equal(t, "print(42)", exec.lastCode)
	assert.Equal(t, registry.KindBuiltin, tool.Kind())
}

func TestPythonTool_Uploads(t *testing.T) {
	exec := &fakeExecutor{result: &ExecutionResult{
		Attachments: []map[string]any{
			{"application/vnd.plotly.v1+json": map[string]any{"data": []any{}}},
			{"image/png": "iVBORw0KGgo="},
			{"text/plain": "ignored"},
		},
	}}
	up := &fakeUploader{}
	tool := NewPythonTool(exec, up, true)

	out, err := tool.Invoke(context.Background(), map[string]any{"code": "fig.show()"}, registry.InvokeContext{KernelID: "k", ThreadID: "t"})
	require.NoError(t, err)

	require.Len(t, up.files, 2)
	assert.Equal(t, FilePlotlyGraph, up.files[0].FileType)
	assert.Equal(t, FileImage, up.files[1].FileType)

	res := out.(map[string]any)
	assert.Len(t, res["giga_attachments"], 2)
	assert.Contains(t, res["message"], "A chart was generated")
	assert.Contains(t, res["message"], "attachment:runs/t/repl/")
}

func TestPythonTool_Exception(t *testing.T) {
	exec := &fakeExecutor{result: &ExecutionResult{
		IsException: true,
		Exception:   "Traceback:\n  File \"/usr/lib/python3/site.py\", line 3\n    x()\n\nKeyboardInterrupt",
	}}
	tool := NewPythonTool(exec, nil, false)

	out, err := tool.Invoke(context.Background(), map[string]any{"code": "while True: pass"}, registry.InvokeContext{KernelID: "k"})
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, true, res["is_exception"])
	msg := res["message"].(string)
	assert.Contains(t, msg, "Fix the error")
	assert.Contains(t, msg, "ran too long")
	assert.NotContains(t, msg, "site.py")
}

func TestPythonTool_Errors(t *testing.T) {
	tool := NewPythonTool(&fakeExecutor{err: errors.New("boom")}, nil, false)

	_, err := tool.Invoke(context.Background(), map[string]any{}, registry.InvokeContext{KernelID: "k"})
	assert.Error(t, err)

	_, err = tool.Invoke(context.Background(), map[string]any{"code": "1"}, registry.InvokeContext{})
	assert.ErrorContains(t, err, "no kernel")

	_, err = tool.Invoke(context.Background(), map[string]any{"code": "1"}, registry.InvokeContext{KernelID: "k"})
	assert.ErrorContains(t, err, "boom")
}

func TestPythonTool_Descriptor(t *testing.T) {
	withArgs := NewPythonTool(nil, nil, false).Descriptor()
	assert.Contains(t, withArgs.Parameters["properties"], "code")

	fromMessage := NewPythonTool(nil, nil, true).Descriptor()
	assert.Empty(t, fromMessage.Parameters["properties"])
}

func TestShellTool(t *testing.T) {
	exec := &fakeExecutor{result: &ExecutionResult{Result: strPtr("ok")}}
	tool := NewShellTool(exec, nil)

	out, err := tool.Invoke(context.Background(), map[string]any{"command": "pip install httpx"}, registry.InvokeContext{KernelID: "k"})
	require.NoError(t, err)
	assert.Equal(t, "!pip install httpx", exec.lastCode)
	assert.IsType(t, "", out)

	_, err = tool.Invoke(context.Background(), map[string]any{"command": "!ls"}, registry.InvokeContext{KernelID: "k"})
	require.NoError(t, err)
	assert.Equal(t, "!ls", exec.lastCode)

	_, err = tool.Invoke(context.Background(), map[string]any{}, registry.InvokeContext{KernelID: "k"})
	assert.Error(t, err)
}
