package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/zach-source/vaultagent/internal/cache"
	"github.com/zach-source/vaultagent/internal/prompt"
	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/security"
	"github.com/zach-source/vaultagent/internal/session"
	"github.com/zach-source/vaultagent/internal/vault"
)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

func testEd25519Key(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return priv
}

// keyItem builds an eligible vault item holding priv.
func keyItem(t *testing.T, name string, priv any) (vault.Item, ssh.PublicKey) {
	t.Helper()
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pub := signer.PublicKey()
	return vault.Item{
		ID:   "id-" + name,
		Name: name,
		Fields: []vault.Field{
			{Name: vault.FieldCustomType, Value: vault.CustomTypeSSHKey},
			{Name: vault.FieldPublicKey, Value: string(ssh.MarshalAuthorizedKey(pub))},
			{Name: vault.FieldPrivateKey, Value: string(pem.EncodeToMemory(block)), Type: vault.FieldHidden},
		},
	}, pub
}

// testPrompter answers password prompts with password and confirmations
// with confirm. A non-nil block channel stalls confirmations until closed
// or the context ends.
type testPrompter struct {
	mu       sync.Mutex
	password string
	confirm  string
	block    chan struct{}
	asked    []string
}

func (p *testPrompter) Ask(ctx context.Context, message string, kind prompt.Kind, timeout time.Duration) (string, error) {
	p.mu.Lock()
	p.asked = append(p.asked, message)
	block := p.block
	p.mu.Unlock()

	if kind == prompt.KindPassword {
		return p.password, nil
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.confirm, nil
}

func (p *testPrompter) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.asked...)
}

type harness struct {
	d        *Dispatcher
	vault    *vault.Fake
	sessions *session.Manager
	items    *cache.Items
	keys     *cache.Keys
	prompter *testPrompter
}

func newHarness(t *testing.T, opts Options, items ...vault.Item) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &testPrompter{password: "pw", confirm: prompt.Yes}
	fv := vault.NewFake("pw", items...)
	mgr, err := session.NewManager(session.DefaultConfig(), fv, p, session.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	itemCache := cache.NewItems(time.Minute, mgr, fv, cache.WithLogger(logger))
	keyCache := cache.NewKeys(filepath.Join(t.TempDir(), "keys.json"), 0, cache.WithLogger(logger))

	opts.Sessions = mgr
	opts.Items = itemCache
	opts.Keys = keyCache
	opts.Prompter = p
	opts.Logger = logger
	d := NewDispatcher(opts)
	t.Cleanup(d.Wait)
	return &harness{d: d, vault: fv, sessions: mgr, items: itemCache, keys: keyCache, prompter: p}
}

// roundTrip dispatches f on a fresh connection and returns the single reply.
func (h *harness) roundTrip(t *testing.T, f protocol.Frame) protocol.Frame {
	t.Helper()
	var buf bytes.Buffer
	conn := NewConn(&buf, security.PeerInfo{PID: 4242, Path: "/usr/bin/ssh"})
	if err := h.d.Dispatch(context.Background(), conn, f); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if conn.Replies() != 1 {
		t.Fatalf("Expected exactly one reply, got %d", conn.Replies())
	}
	reply, err := protocol.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("Unexpected trailing bytes after reply: %d", buf.Len())
	}
	return reply
}

func (h *harness) exchange(t *testing.T, msg protocol.Message) protocol.Message {
	t.Helper()
	f, err := protocol.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	reply := h.roundTrip(t, f)
	resp, err := protocol.DecodeMessage(reply)
	if err != nil {
		t.Fatalf("DecodeMessage(%v) failed: %v", reply, err)
	}
	return resp
}
