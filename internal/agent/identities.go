package agent

import (
	"context"

	"github.com/zach-source/vaultagent/internal/protocol"
)

const listIdentitiesReason = "SSH Agent: list identities"

// requestIdentities answers from the key cache when it is fresh and from the
// vault otherwise, repopulating the key cache on the way.
func (d *Dispatcher) requestIdentities(ctx context.Context, req *request) (protocol.Frame, error) {
	if entries, ok := d.opts.Keys.Get(); ok {
		ids := identitiesFromEntries(entries, req.logger)
		req.logger.Debug("identities from key cache", "count", len(ids))
		return protocol.MarshalIdentities(ids), nil
	}

	items, err := d.opts.Items.Get(ctx, listIdentitiesReason)
	if err != nil {
		return protocol.Frame{}, err
	}
	keys := deriveKeys(items, req.logger)
	d.refreshKeyCache(req, keys)
	req.logger.Debug("identities from vault", "count", len(keys))
	return protocol.MarshalIdentities(identities(keys)), nil
}
