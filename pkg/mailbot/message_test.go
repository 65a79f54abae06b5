// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mailbot

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessagePlain(t *testing.T) {
	raw := []byte("From: Dave M <davem@example.org>\r\n" +
		"Subject: Re: [PATCH net-next 1/2] net: tcp: things\r\n" +
		"Message-ID: <reply-1@example.org>\r\n" +
		"References: <cover-0@example.org> <patch-1@example.org>\r\n" +
		"\r\n" +
		"Looks wrong.\r\n" +
		"\r\n" +
		"pw-bot: cr\r\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "Dave M <davem@example.org>", msg.From)
	assert.Equal(t, "davem@example.org", msg.FromAddr)
	assert.Equal(t, "reply-1@example.org", msg.MessageID)
	assert.Equal(t, []string{"cover-0@example.org", "patch-1@example.org"}, msg.References)

	pwActs, processActs := msg.Directives()
	assert.Equal(t, []string{"cr"}, pwActs)
	assert.Empty(t, processActs)
	assert.True(t, msg.HasDirectives())
}

func TestParseMessageBase64(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte("fine by me\npw-bot: accept\n"))
	raw := []byte("From: a@example.org\r\n" +
		"Subject: Re: [PATCH] thing\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" + body + "\r\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	pwActs, _ := msg.Directives()
	assert.Equal(t, []string{"accept"}, pwActs)
}

func TestParseMessageMultipart(t *testing.T) {
	raw := []byte("From: a@example.org\r\n" +
		"Subject: Re: [PATCH] thing\r\n" +
		"Content-Type: multipart/alternative; boundary=\"bnd\"\r\n" +
		"\r\n" +
		"--bnd\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>hi</p>\r\n" +
		"--bnd\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"pw-bot: defer\r\n" +
		"--bnd--\r\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	pwActs, _ := msg.Directives()
	assert.Equal(t, []string{"defer"}, pwActs)
}

func TestSubjectTags(t *testing.T) {
	msg := &Message{Subject: "[PATCH iwl-next v2 3/7] ice: things"}
	assert.Equal(t, "PATCH iwl-next v2 3/7", msg.SubjectTags())
	msg = &Message{Subject: "Re: [PATCH] ice: things"}
	assert.Equal(t, "", msg.SubjectTags())
}

// signMessage DKIM-signs a raw mail and returns it together with the
// DNS TXT record that validates it.
func signMessage(t *testing.T, raw []byte) ([]byte, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	var signed bytes.Buffer
	err = dkim.Sign(&signed, bytes.NewReader(raw), &dkim.SignOptions{
		Domain:   "example.org",
		Selector: "bot",
		Signer:   key,
	})
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
	return signed.Bytes(), record
}

func TestDKIMValid(t *testing.T) {
	raw := []byte("From: Dave M <davem@example.org>\r\n" +
		"Subject: Re: [PATCH] net: tcp: things\r\n" +
		"\r\n" +
		"pw-bot: cr\r\n")
	signed, record := signMessage(t, raw)

	msg, err := ParseMessage(signed)
	require.NoError(t, err)
	msg.lookup = func(domain string) ([]string, error) {
		assert.Contains(t, domain, "bot._domainkey.example.org")
		return []string{record}, nil
	}
	assert.True(t, msg.DKIMValid())

	// Tampering with the body breaks the signature.
	tampered, err := ParseMessage(bytes.Replace(signed,
		[]byte("pw-bot: cr"), []byte("pw-bot: au"), 1))
	require.NoError(t, err)
	tampered.lookup = msg.lookup
	assert.False(t, tampered.DKIMValid())

	// No signature at all.
	unsigned, err := ParseMessage(raw)
	require.NoError(t, err)
	unsigned.lookup = msg.lookup
	assert.False(t, unsigned.DKIMValid())
}

func TestParseMessageBadFrom(t *testing.T) {
	_, err := ParseMessage([]byte("Subject: no sender\r\n\r\nhi\r\n"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "From"))
}
