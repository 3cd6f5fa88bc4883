package jms

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/exchange"
)

// keyReplySent marks an exchange whose reply has been sent.
const keyReplySent = "jms.reply.sent"

// BackChannel returns the single-use stream for the reply to in. Closing it
// sends the reply to the request's reply-to destination, or the configured
// reply destination, correlated the way the requester expects. One-way
// requests get a stream that sends nothing.
func (d *Destination) BackChannel(in *exchange.Message) (io.WriteCloser, error) {
	if in == nil || in.Exchange() == nil {
		return nil, clientError(ErrMissingOutMessage, "request is not attached to an exchange")
	}
	req, ok := in.Get(exchange.KeyRequestMessage).(*xjms.Message)
	if !ok || req == nil {
		return nil, fmt.Errorf("jms: back-channel: request carries no transport message")
	}
	replyHdrs, _ := in.Get(exchange.KeyServerReplyHeaders).(*MessageHeaders)
	return &backChannel{d: d, in: in, ex: in.Exchange(), req: req, hdrs: replyHdrs}, nil
}

type backChannel struct {
	d    *Destination
	in   *exchange.Message
	ex   *exchange.Exchange
	req  *xjms.Message
	hdrs *MessageHeaders

	buf    bytes.Buffer
	closed bool
}

func (b *backChannel) Write(p []byte) (int, error) {
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *backChannel) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ex.IsOneWay() {
		return nil
	}

	out, fault := b.ex.OutMessage(), false
	if out == nil {
		if out = b.ex.OutFaultMessage(); out != nil {
			fault = true
		} else {
			out = exchange.NewMessage()
			b.ex.SetOutMessage(out)
		}
	}
	return b.d.sendReply(b.d.baseCtx, b.in, b.req, out, b.hdrs, b.buf.Bytes(), fault)
}

// replyTo resolves where the reply to req goes.
func (d *Destination) replyTo(req *xjms.Message) (xjms.Destination, bool) {
	if req.ReplyTo != nil && !req.ReplyTo.IsZero() {
		return *req.ReplyTo, true
	}
	return d.cfg.Reply()
}

// replyCorrelationID is the request's correlation id, or its message id when
// the request had none or the destination is configured to echo message ids.
func (d *Destination) replyCorrelationID(req *xjms.Message) string {
	if req.CorrelationID == "" || d.cfg.UseMessageIDAsCorrelationID {
		return req.MessageID
	}
	return req.CorrelationID
}

func (d *Destination) sendReply(ctx context.Context, in *exchange.Message, req *xjms.Message, out *exchange.Message, hdrs *MessageHeaders, payload []byte, fault bool) error {
	to, ok := d.replyTo(req)
	if !ok {
		return ErrNoReplyDestination
	}
	if method := in.GetString(exchange.KeyHTTPMethod); method != "" && out.GetString(exchange.KeyHTTPMethod) == "" {
		out.Put(exchange.KeyHTTPMethod, method)
	}

	tm, opts := toTransport(&d.cfg, out, payload, hdrs, true, fault)
	tm.CorrelationID = d.replyCorrelationID(req)

	h, err := d.factory.Get(ctx)
	if err != nil {
		return fmt.Errorf("jms: reply session: %w", err)
	}
	if err := h.Producer.Send(ctx, to, tm, opts); err != nil {
		d.factory.Invalidate(h)
		d.bus.Notify(xjms.Event{Type: xjms.EventError, Destination: to.String(), CorrelationID: tm.CorrelationID, Err: err})
		return fmt.Errorf("jms: send reply to %s: %w", to, err)
	}
	d.factory.Recycle(h)

	if ex := in.Exchange(); ex != nil {
		ex.Put(keyReplySent, true)
	}
	d.replies.Add(1)
	d.bus.Notify(xjms.Event{Type: xjms.EventReply, Destination: to.String(), CorrelationID: tm.CorrelationID, MessageID: tm.MessageID})
	return nil
}

// replyFault answers in with a SOAP fault built from err. One-way requests
// are not answered.
func (d *Destination) replyFault(in *exchange.Message, err error) {
	ex := in.Exchange()
	if ex == nil || ex.IsOneWay() {
		return
	}
	req, ok := in.Get(exchange.KeyRequestMessage).(*xjms.Message)
	if !ok {
		return
	}
	var f *exchange.Fault
	if !errors.As(err, &f) {
		f = &exchange.Fault{Code: "Server", Reason: err.Error()}
	}

	out := exchange.NewMessage()
	out.Put(exchange.KeyContentType, "text/xml")
	out.Put(exchange.KeyEncoding, "UTF-8")
	ex.SetOutFaultMessage(out)
	hdrs, _ := in.Get(exchange.KeyServerReplyHeaders).(*MessageHeaders)

	if err := d.sendReply(d.baseCtx, in, req, out, hdrs, soapFault(f), true); err != nil {
		d.logger.Error().Err(err).Str("message_id", req.MessageID).Msg("jms: sending fault reply failed")
	}
}

// soapFault renders f as a SOAP 1.1 fault envelope.
func soapFault(f *exchange.Fault) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><soap:Fault><faultcode>soap:`)
	_ = xml.EscapeText(&buf, []byte(f.Code))
	buf.WriteString(`</faultcode><faultstring>`)
	_ = xml.EscapeText(&buf, []byte(f.Reason))
	buf.WriteString(`</faultstring></soap:Fault></soap:Body></soap:Envelope>`)
	return buf.Bytes()
}
