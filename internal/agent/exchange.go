package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/zach-source/vaultagent/internal/policy"
	"github.com/zach-source/vaultagent/internal/protocol"
)

const (
	sessionReasonPrefix = "IPC Request: "

	reasonSessionRejected    = "Session request got rejected by the user"
	reasonUnknownMessage     = "unknown message"
	reasonUnexpectedResponse = "unexpected response message"
)

func (d *Dispatcher) handleExchange(ctx context.Context, req *request) (protocol.Frame, error) {
	msg, err := protocol.DecodeMessage(req.frame)
	if errors.Is(err, protocol.ErrUnknownKind) {
		req.logger.Warn("unknown exchange message", "kind", msg.Type)
		return exchangeFrame(req, protocol.ResponseFailure(reasonUnknownMessage)), nil
	}
	if err != nil {
		return protocol.Frame{}, err
	}
	req.logger.Debug("exchange message", "msg", msg)
	if !msg.Type.IsRequest() {
		return exchangeFrame(req, unexpectedResponse(req, msg)), nil
	}

	h, ok := d.exchange[msg.Type]
	if !ok {
		return exchangeFrame(req, protocol.ResponseFailure(reasonUnknownMessage)), nil
	}
	return exchangeFrame(req, h(ctx, req, msg)), nil
}

func (d *Dispatcher) requestSession(ctx context.Context, req *request, msg protocol.Message) protocol.Message {
	if err := d.authorize(req, policy.ActionRequestSession); err != nil {
		req.logger.Warn("session request refused", "error", err)
		return protocol.ResponseFailure(err.Error())
	}

	token, err := d.opts.Sessions.GetSession(ctx, sessionReasonPrefix+msg.Reason)
	granted := err == nil && token != ""
	d.opts.Audit.LogSessionRequest(req.conn.Peer, req.conn.ID, msg.Reason, granted)
	if !granted {
		req.logger.Info("session request rejected", "error", err)
		return protocol.ResponseFailure(reasonSessionRejected)
	}
	return protocol.ResponseSession(token)
}

func (d *Dispatcher) ping(context.Context, *request, protocol.Message) protocol.Message {
	return protocol.ResponseOK()
}

func (d *Dispatcher) cacheClear(_ context.Context, req *request, _ protocol.Message) protocol.Message {
	if err := d.authorize(req, policy.ActionCacheClear); err != nil {
		req.logger.Warn("cache clear refused", "error", err)
		return protocol.ResponseFailure(err.Error())
	}

	d.opts.Items.Clear()
	if err := d.opts.Keys.Clear(); err != nil {
		req.logger.Error("clearing key cache", "error", err)
		return protocol.ResponseFailure(fmt.Sprintf("clear key cache: %v", err))
	}
	d.opts.Audit.LogCacheClear(req.conn.Peer, req.conn.ID)
	req.logger.Info("caches cleared")
	return protocol.ResponseOK()
}

func unexpectedResponse(req *request, msg protocol.Message) protocol.Message {
	req.logger.Warn("response message received as request", "kind", msg.Type)
	return protocol.ResponseFailure(reasonUnexpectedResponse)
}

// exchangeFrame encodes a reply, falling back to the bare failure frame.
func exchangeFrame(req *request, msg protocol.Message) protocol.Frame {
	f, err := protocol.EncodeMessage(msg)
	if err != nil {
		req.logger.Error("encoding exchange reply", "error", err)
		return protocol.FailureFrame
	}
	return f
}
