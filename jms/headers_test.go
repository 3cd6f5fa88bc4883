package jms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/exchange"
)

func TestHeaders_SingleValuedPropertiesRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.TargetDestination = "q"

	out := exchange.NewMessage()
	want := map[string]string{"X-Tenant": "acme", "X-Trace": "abc123", "Custom": "v,with,commas"}
	for k, v := range want {
		out.Headers().Set(k, v)
	}

	tm, _ := toTransport(&cfg, out, []byte("body"), nil, false, false)
	in, _, err := fromTransport(tm, exchange.KeyServerRequestHeaders)
	require.NoError(t, err)

	got := map[string]string{}
	for _, name := range in.Headers().Names() {
		got[name] = in.Headers().Joined(name, ",")
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "body", string(in.Content))
}

func TestHeaders_MultiValuedJoinedAndAcceptSplit(t *testing.T) {
	cfg := Defaults()
	cfg.TargetDestination = "q"

	out := exchange.NewMessage()
	out.Put(exchange.KeyHTTPMethod, "GET")
	out.Headers().Set("X-Multi", "a", "b")
	out.Headers().Set(PropRESTAccept, "text/xml", "application/json")

	tm, _ := toTransport(&cfg, out, nil, nil, false, false)
	v, _ := tm.Property("X-Multi")
	assert.Equal(t, "a,b", v)
	v, _ = tm.Property(PropRESTAccept)
	assert.Equal(t, "text/xml,application/json", v)
	v, _ = tm.Property(PropRESTMethod)
	assert.Equal(t, "GET", v)
	_, soap := tm.Property(PropBindingVersion)
	assert.False(t, soap)

	in, hdrs, err := fromTransport(tm, exchange.KeyServerRequestHeaders)
	require.NoError(t, err)
	assert.True(t, hdrs.IsREST())
	assert.Equal(t, []string{"a,b"}, in.Headers()["X-Multi"])
	assert.Equal(t, []string{"text/xml", "application/json"}, in.Headers()[PropRESTAccept])
	assert.Equal(t, "GET", in.GetString(exchange.KeyHTTPMethod))
}

func TestToTransport_SOAPRequestProperties(t *testing.T) {
	cfg := Defaults()
	cfg.TargetDestination = "orders"
	cfg.TargetService = "OrderService"
	cfg.Charset = "UTF-8"

	out := exchange.NewMessage()
	out.Put(exchange.KeyContentType, `application/soap+xml; action="urn:place"`)

	prio := 9
	tm, opts := toTransport(&cfg, out, []byte("<x/>"), &MessageHeaders{Priority: &prio, TimeToLive: time.Minute}, false, false)
	prop := func(name string) string { v, _ := tm.Property(name); return v }

	assert.Equal(t, BindingVersion, prop(PropBindingVersion))
	assert.Equal(t, `application/soap+xml; action="urn:place"; charset=UTF-8`, prop(PropContentType))
	assert.Equal(t, "urn:place", prop(PropSOAPAction))
	assert.Equal(t, "jms:queue:orders", prop(PropRequestURI))
	assert.Equal(t, "OrderService", prop(PropTargetService))
	assert.Empty(t, prop(PropIsFault))
	assert.Equal(t, xjms.BodyBytes, tm.Kind)

	assert.Equal(t, xjms.Persistent, opts.DeliveryMode)
	assert.Equal(t, 9, opts.Priority)
	assert.Equal(t, time.Minute, opts.TimeToLive)
}

func TestToTransport_ZeroPriorityOverridesConfig(t *testing.T) {
	cfg := Defaults()
	cfg.TargetDestination = "orders"
	require.Equal(t, 4, cfg.Priority)

	_, opts := toTransport(&cfg, exchange.NewMessage(), []byte("<x/>"), &MessageHeaders{}, false, false)
	assert.Equal(t, 4, opts.Priority, "unset priority falls back to the configured one")

	zero := 0
	_, opts = toTransport(&cfg, exchange.NewMessage(), []byte("<x/>"), &MessageHeaders{Priority: &zero}, false, false)
	assert.Equal(t, 0, opts.Priority)
}

func TestToTransport_FaultReply(t *testing.T) {
	cfg := Defaults()
	cfg.TargetDestination = "orders"
	cfg.MessageType = MessageTypeText

	tm, _ := toTransport(&cfg, exchange.NewMessage(), []byte("<fault/>"), nil, true, true)
	v, _ := tm.Property(PropIsFault)
	assert.Equal(t, "true", v)
	_, hasURI := tm.Property(PropRequestURI)
	assert.False(t, hasURI)
	assert.Equal(t, xjms.BodyText, tm.Kind)
	assert.Equal(t, "<fault/>", tm.Text)
}

func TestFromTransport_DecodesCharset(t *testing.T) {
	tm := xjms.NewBytesMessage([]byte("caf\xe9"))
	tm.SetProperty(PropContentType, "text/plain; charset=ISO-8859-1")

	in, _, err := fromTransport(tm, exchange.KeyServerRequestHeaders)
	require.NoError(t, err)
	assert.Equal(t, "café", string(in.Content))
	assert.Equal(t, "UTF-8", in.GetString(exchange.KeyEncoding))

	tm.SetProperty(PropContentType, "text/plain; charset=bogus")
	_, _, err = fromTransport(tm, exchange.KeyServerRequestHeaders)
	assert.ErrorIs(t, err, ErrUnsupportedCharset)
}

func TestHeadersFromTransport(t *testing.T) {
	rt := xjms.QueueDestination("replies")
	tm := xjms.NewTextMessage("x")
	tm.CorrelationID = "c"
	tm.MessageID = "ID:1"
	tm.ReplyTo = &rt
	tm.Timestamp = 1000
	tm.Expiration = 6000
	tm.SetProperty(PropIsFault, "true")
	tm.SetProperty(PropSOAPAction, "urn:a")

	h := HeadersFromTransport(tm)
	assert.Equal(t, "c", h.CorrelationID)
	assert.Equal(t, "ID:1", h.MessageID)
	assert.Equal(t, 5*time.Second, h.TimeToLive)
	assert.True(t, h.IsFault)
	assert.Equal(t, "urn:a", h.SOAPAction)
	require.NotNil(t, h.ReplyTo)
	assert.Equal(t, rt, *h.ReplyTo)
	assert.NotSame(t, tm.ReplyTo, h.ReplyTo)
}

func TestSecurityContextFrom(t *testing.T) {
	tm := xjms.NewTextMessage("")
	_, ok := securityContextFrom(tm)
	assert.False(t, ok)

	tm.SetProperty(PropTIBCOSender, "tibco-user")
	sc, ok := securityContextFrom(tm)
	require.True(t, ok)
	assert.Equal(t, "tibco-user", sc.UserPrincipal().Name())

	tm.SetProperty(PropUserID, "jms-user")
	sc, ok = securityContextFrom(tm)
	require.True(t, ok)
	assert.Equal(t, "jms-user", sc.UserPrincipal().Name())
	assert.False(t, sc.IsUserInRole("admin"))
}

func TestCheckSOAPJMS(t *testing.T) {
	valid := func() *MessageHeaders {
		return &MessageHeaders{BindingVersion: BindingVersion, ContentType: "text/xml", RequestURI: "jms:queue:q"}
	}
	cases := []struct {
		name   string
		mutate func(h *MessageHeaders)
		code   string
	}{
		{"missing binding version", func(h *MessageHeaders) { h.BindingVersion = "" }, "missingBindingVersion"},
		{"unknown binding version", func(h *MessageHeaders) { h.BindingVersion = "2.0" }, "unrecognizedBindingVersion"},
		{"missing content type", func(h *MessageHeaders) { h.ContentType = "" }, "missingContentType"},
		{"missing request uri", func(h *MessageHeaders) { h.RequestURI = "" }, "missingRequestURI"},
		{"malformed request uri", func(h *MessageHeaders) { h.RequestURI = "jms:jndi:x" }, "malformedRequestURI"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := valid()
			tc.mutate(h)
			err := checkSOAPJMS(h)
			var f *exchange.Fault
			require.ErrorAs(t, err, &f)
			assert.Equal(t, tc.code, f.Code)
		})
	}

	assert.NoError(t, checkSOAPJMS(valid()))
	rest := &MessageHeaders{Properties: map[string]string{PropRESTMethod: "POST"}}
	assert.NoError(t, checkSOAPJMS(rest))
}

func TestActionFromContentType(t *testing.T) {
	assert.Equal(t, "urn:x", actionFromContentType(`application/soap+xml; action="urn:x"`))
	assert.Equal(t, "urn:y", actionFromContentType(`multipart/related; type="application/xop+xml"; start-info="application/soap+xml; action=\"urn:y\""`))
	assert.Empty(t, actionFromContentType("text/xml"))
	assert.Empty(t, actionFromContentType(""))
}
