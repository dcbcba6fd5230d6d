package agent

import (
	"bytes"
	"log/slog"

	"golang.org/x/crypto/ssh"

	"github.com/zach-source/vaultagent/internal/cache"
	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/vault"
)

// agentKey is an eligible vault item with its parsed public key.
type agentKey struct {
	item vault.Item
	pub  ssh.PublicKey
	blob []byte
}

func (k agentKey) name() string { return k.item.Name }

// deriveKeys parses the public key of every eligible item. Items without a
// key pair or with an unparseable public key are skipped.
func deriveKeys(items []vault.Item, logger *slog.Logger) []agentKey {
	keys := make([]agentKey, 0, len(items))
	for _, it := range vault.FilterKeyItems(items) {
		if !it.HasKeyPair() {
			logger.Warn("item has no public and/or private key", "item", it.Name, "id", it.ID)
			continue
		}
		raw, _ := it.Field(vault.FieldPublicKey)
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			logger.Warn("item has an unparseable public key", "item", it.Name, "id", it.ID, "error", err)
			continue
		}
		keys = append(keys, agentKey{item: it, pub: pub, blob: pub.Marshal()})
	}
	return keys
}

// keyEntries converts keys to key cache entries, using the item name as
// comment.
func keyEntries(keys []agentKey) []cache.KeyEntry {
	entries := make([]cache.KeyEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, cache.KeyEntry{
			Key:     string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(k.pub))),
			Comment: k.name(),
		})
	}
	return entries
}

func identities(keys []agentKey) []protocol.Identity {
	ids := make([]protocol.Identity, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, protocol.Identity{Blob: k.blob, Comment: k.name()})
	}
	return ids
}

// identitiesFromEntries answers from the key cache. Entries that no longer
// parse are skipped.
func identitiesFromEntries(entries []cache.KeyEntry, logger *slog.Logger) []protocol.Identity {
	ids := make([]protocol.Identity, 0, len(entries))
	for _, e := range entries {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(e.Key))
		if err != nil {
			logger.Warn("skipping unparseable key cache entry", "comment", e.Comment, "error", err)
			continue
		}
		ids = append(ids, protocol.Identity{Blob: pub.Marshal(), Comment: e.Comment})
	}
	return ids
}

func findKey(keys []agentKey, blob []byte) (agentKey, bool) {
	for _, k := range keys {
		if bytes.Equal(k.blob, blob) {
			return k, true
		}
	}
	return agentKey{}, false
}

// refreshKeyCache rewrites the key cache from keys. Failures only cost a
// future password prompt, so they are logged.
func (d *Dispatcher) refreshKeyCache(req *request, keys []agentKey) {
	if err := d.opts.Keys.Set(keyEntries(keys)); err != nil {
		req.logger.Warn("updating key cache", "error", err)
	}
}
