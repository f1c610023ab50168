package sipmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const registerOverWS = "REGISTER sip:sip.linphone.org SIP/2.0\r\n" +
	"Via: SIP/2.0/WS df7jal23ls0d.invalid;branch=z9hG4bK776\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: <sip:alice@sip.linphone.org>\r\n" +
	"From: <sip:alice@sip.linphone.org>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710\r\n" +
	"CSeq: 1 REGISTER\r\n" +
	"Contact: <sip:alice@df7jal23ls0d.invalid;transport=ws>;expires=600\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestRewrite_RegisterScenario(t *testing.T) {
	out := Rewrite(registerOverWS, "10.0.0.5", 54321)

	require.Contains(t, out, "Via: SIP/2.0/UDP 10.0.0.5:54321;branch=z9hG4bK776\r\n")
	require.Contains(t, out, "Contact: <sip:alice@10.0.0.5:54321;transport=udp>;expires=600\r\n")
	require.True(t, strings.HasPrefix(out, "REGISTER sip:sip.linphone.org SIP/2.0\r\n"))
	require.Contains(t, out, "Call-ID: a84b4c76e66710\r\n")
	require.True(t, strings.HasSuffix(out, "Content-Length: 0\r\n\r\n"))
	require.NotContains(t, out, "SIP/2.0/WS")
	require.NotContains(t, out, "transport=ws")
}

func TestRewrite_Cases(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "via with port and rport",
			in:   "Via: SIP/2.0/WS client.invalid:5062;rport;branch=z9hG4bKx\r\n",
			want: "Via: SIP/2.0/UDP 10.0.0.5:54321;rport;branch=z9hG4bKx\r\n",
		},
		{
			name: "via wss lowercase",
			in:   "via: sip/2.0/wss client.invalid;branch=b\r\n",
			want: "via: sip/2.0/UDP 10.0.0.5:54321;branch=b\r\n",
		},
		{
			name: "compact via",
			in:   "v: SIP/2.0/WS client.invalid;branch=b\r\n",
			want: "v: SIP/2.0/UDP 10.0.0.5:54321;branch=b\r\n",
		},
		{
			name: "multi value via keeps other transports",
			in:   "Via: SIP/2.0/WS a.invalid;branch=1, SIP/2.0/TCP proxy.example.com;branch=2\r\n",
			want: "Via: SIP/2.0/UDP 10.0.0.5:54321;branch=1, SIP/2.0/TCP proxy.example.com;branch=2\r\n",
		},
		{
			name: "contact with display name and instance",
			in:   "Contact: \"Alice <home>\" <sip:alice@h.invalid;transport=ws;ob>;+sip.instance=\"<urn:uuid:1234>\"\r\n",
			want: "Contact: \"Alice <home>\" <sip:alice@10.0.0.5:54321;transport=udp;ob>;+sip.instance=\"<urn:uuid:1234>\"\r\n",
		},
		{
			name: "compact contact",
			in:   "m: <sip:bob@h.invalid:9999;transport=WS>\r\n",
			want: "m: <sip:bob@10.0.0.5:54321;transport=udp>\r\n",
		},
		{
			name: "lf line endings",
			in:   "Via: SIP/2.0/WS a.invalid;branch=1\nContact: <sip:u@h.invalid;transport=ws>\n",
			want: "Via: SIP/2.0/UDP 10.0.0.5:54321;branch=1\nContact: <sip:u@10.0.0.5:54321;transport=udp>\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := "OPTIONS sip:x@example.com SIP/2.0\r\n" + tc.in + "\r\n"
			want := "OPTIONS sip:x@example.com SIP/2.0\r\n" + tc.want + "\r\n"
			require.Equal(t, want, Rewrite(msg, "10.0.0.5", 54321))
		})
	}
}

func TestRewrite_LeavesUnmatchedAlone(t *testing.T) {
	cases := []string{
		"Via: SIP/2.0/UDP 192.0.2.1:5060;branch=z9\r\n",
		"Via: SIP/2.0/TCP proxy.example.com;branch=z9\r\n",
		"Via: SIP/2.0/WS ;branch=z9\r\n",
		"Contact: <sip:alice@h.invalid;transport=udp>\r\n",
		"Contact: <sip:h.invalid;transport=ws>\r\n",
		"Contact: <sips:alice@h.invalid;transport=ws>\r\n",
		"Contact: <sip:alice@h.invalid;transport=ws\r\n",
		"Contact: <sip:alice@h.invalid>\r\n",
		"Contact: *\r\n",
		"Subject: Via: SIP/2.0/WS x.invalid\r\n",
	}
	for _, header := range cases {
		msg := "OPTIONS sip:x@example.com SIP/2.0\r\n" + header + "\r\n"
		out, n := RewriteCount(msg, "10.0.0.5", 54321)
		require.Equal(t, msg, out, "header %q", header)
		require.Zero(t, n)
	}
}

func TestRewrite_BodyUntouched(t *testing.T) {
	body := "v=0\r\nVia: SIP/2.0/WS body.invalid\r\nContact: <sip:a@b;transport=ws>\r\n"
	msg := "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/WS c.invalid;branch=z9\r\n" +
		"Content-Type: application/sdp\r\n" +
		"\r\n" + body

	out, n := RewriteCount(msg, "10.0.0.5", 54321)
	require.Equal(t, 1, n)
	require.True(t, strings.HasSuffix(out, "\r\n\r\n"+body))
}

func TestRewrite_StartLineUntouched(t *testing.T) {
	msg := "Via: SIP/2.0/WS c.invalid SIP/2.0\r\nCSeq: 1 OPTIONS\r\n\r\n"
	require.Equal(t, msg, Rewrite(msg, "10.0.0.5", 54321))
}

func TestRewrite_IPv6HostBracketed(t *testing.T) {
	msg := "OPTIONS sip:x@example.com SIP/2.0\r\nVia: SIP/2.0/WS c.invalid;branch=z9\r\n\r\n"
	out := Rewrite(msg, "2001:db8::1", 5070)
	require.Contains(t, out, "Via: SIP/2.0/UDP [2001:db8::1]:5070;branch=z9\r\n")
}

func TestRewrite_Idempotent(t *testing.T) {
	once := Rewrite(registerOverWS, "10.0.0.5", 54321)
	twice, n := RewriteCount(once, "10.0.0.5", 54321)
	require.Equal(t, once, twice)
	require.Zero(t, n)
}

func TestRewrite_EmptyAddressIsNoop(t *testing.T) {
	require.Equal(t, registerOverWS, Rewrite(registerOverWS, "", 5060))
	require.Equal(t, registerOverWS, Rewrite(registerOverWS, "10.0.0.5", 0))
}

func TestRewriteCount_CountsHeaderLines(t *testing.T) {
	_, n := RewriteCount(registerOverWS, "10.0.0.5", 54321)
	require.Equal(t, 2, n)
}
