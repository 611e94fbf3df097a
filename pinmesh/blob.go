package pinmesh

import (
	"context"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/transfer"
)

// SendBlob transfers data to node id, connecting through the resolver when
// needed. The peer receives it on its transfer.ServiceName handler.
func (n *Node) SendBlob(ctx context.Context, id identity.NodeID, name string, data []byte, opts ...transfer.Option) (*transfer.Manifest, error) {
	sess, err := n.ConnectPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	return transfer.Send(ctx, sess, name, data, opts...)
}
