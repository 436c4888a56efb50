package toolclient

import (
	"context"

	"github.com/gigachain-team/giga-agent/pkg/registry"
)

// RemoteTool exposes a tool server tool through the registry.
type RemoteTool struct {
	client *Client
	desc   registry.Descriptor
}

// NewRemoteTool binds desc to client.
func NewRemoteTool(client *Client, desc registry.Descriptor) *RemoteTool {
	return &RemoteTool{client: client, desc: desc}
}

func (t *RemoteTool) Descriptor() registry.Descriptor { return t.desc }

func (t *RemoteTool) Kind() registry.Kind { return registry.KindRemote }

func (t *RemoteTool) Invoke(ctx context.Context, args map[string]any, ic registry.InvokeContext) (any, error) {
	return t.client.Invoke(ctx, t.desc.Name, args, Session{ThreadID: ic.ThreadID, CheckpointID: ic.CheckpointID})
}

// RegisterRemote fetches the server's tool list and registers each tool,
// applying requirements from m when it names the tool. It returns the number
// of tools that ended up eligible.
func RegisterRemote(ctx context.Context, client *Client, reg *registry.Registry, m *registry.Manifest) (int, error) {
	descs, err := client.ListTools(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range descs {
		var reqs []registry.Requirement
		if m != nil {
			reqs = m.Requirements(d.Name)
		}
		if reg.RegisterIfEligible(NewRemoteTool(client, d), reqs...) {
			n++
		}
	}
	return n, nil
}
