// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mailbot watches mailing-list archive repos for bot
// directives and applies the requested state changes on the patch
// tracker.
package mailbot

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// Message is one list mail, parsed just enough for directive
// handling. The raw bytes are kept for DKIM verification.
type Message struct {
	From       string // full header, e.g. `Jakub K <kuba@example.org>`
	FromAddr   string // bare address
	Subject    string
	MessageID  string
	References []string // thread message ids, oldest first, <> stripped
	Body       string

	raw    []byte
	dkimOK *bool
	lookup func(domain string) ([]string, error)
}

var messageIDRe = regexp.MustCompile(`<[^<>]+>`)

// ParseMessage parses a raw mail. List traffic is text/plain in the
// vast majority of cases; for multipart mails the first plain part
// wins.
func ParseMessage(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read mail: %w", err)
	}
	from, err := msg.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return nil, fmt.Errorf("failed to parse mail header 'From': %w", err)
	}
	body, err := parseBody(msg.Body, msg.Header)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, mid := range messageIDRe.FindAllString(msg.Header.Get("References"), -1) {
		refs = append(refs, strings.Trim(mid, "<>"))
	}
	return &Message{
		From:       msg.Header.Get("From"),
		FromAddr:   from[0].Address,
		Subject:    msg.Header.Get("Subject"),
		MessageID:  strings.Trim(msg.Header.Get("Message-ID"), "<>"),
		References: refs,
		Body:       string(body),
		raw:        raw,
	}, nil
}

// parseBody unwraps transfer encodings and digs the first text/plain
// part out of multipart mails.
func parseBody(r io.Reader, headers mail.Header) ([]byte, error) {
	// git-send-email sends mails without Content-Type, assume text.
	mediaType := "text/plain"
	var params map[string]string
	if contentType := headers.Get("Content-Type"); contentType != "" {
		var err error
		mediaType, params, err = mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mail header 'Content-Type': %w", err)
		}
	}
	switch strings.ToLower(headers.Get("Content-Transfer-Encoding")) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	if mediaType == "text/plain" {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read mail body: %w", err)
		}
		return body, nil
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, nil
	}
	mr := multipart.NewReader(r, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse MIME parts: %w", err)
		}
		body, err := parseBody(part, mail.Header(part.Header))
		if err != nil {
			return nil, err
		}
		if body != nil {
			return body, nil
		}
	}
}

// DKIMValid reports whether the mail carries at least one valid DKIM
// signature. The result is cached, verification is slow.
func (msg *Message) DKIMValid() bool {
	if msg.dkimOK != nil {
		return *msg.dkimOK
	}
	ok := false
	options := &dkim.VerifyOptions{LookupTXT: msg.lookup}
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(msg.raw), options)
	if err == nil {
		for _, v := range verifications {
			if v.Err == nil {
				ok = true
				break
			}
		}
	}
	msg.dkimOK = &ok
	return ok
}

const (
	pwBotPrefix      = "pw-bot:"
	processBotPrefix = "process-bot:"
)

// Directives returns the bot directive lines of the body, split by
// addressee.
func (msg *Message) Directives() (pwActs, processActs []string) {
	for _, line := range strings.Split(msg.Body, "\n") {
		switch {
		case strings.HasPrefix(line, pwBotPrefix):
			pwActs = append(pwActs, strings.TrimSpace(line[len(pwBotPrefix):]))
		case strings.HasPrefix(line, processBotPrefix):
			processActs = append(processActs, strings.TrimSpace(line[len(processBotPrefix):]))
		}
	}
	return pwActs, processActs
}

func (msg *Message) HasDirectives() bool {
	pwActs, processActs := msg.Directives()
	return len(pwActs)+len(processActs) != 0
}

// SubjectTags returns the bracketed designations of the subject,
// e.g. "PATCH iwl-next v2" for "[PATCH iwl-next v2] foo: bar".
func (msg *Message) SubjectTags() string {
	subject := msg.Subject
	if len(subject) == 0 || subject[0] != '[' {
		return ""
	}
	end := strings.LastIndex(subject, "]")
	if end == -1 {
		return ""
	}
	return subject[1:end]
}
