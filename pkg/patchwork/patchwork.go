// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package patchwork provides a client for the patchwork REST API.
// List operations follow Link pagination to exhaustion and transient
// connection failures are retried with a bounded exponential backoff.
package patchwork

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/log"
)

// Check states understood by patchwork.
const (
	CheckSuccess = "success"
	CheckWarning = "warning"
	CheckFail    = "fail"
)

type Config struct {
	Server    string `json:"server"`
	UseSSL    *bool  `json:"use_ssl"`
	Token     string `json:"token"`
	User      string `json:"user"`
	Project   string `json:"project"`
	UserAgent string `json:"user_agent"`
}

type Client struct {
	server    string
	proto     string
	token     string
	user      string
	userAgent string
	project   int

	client *http.Client
	// Test hooks.
	sleep       func(time.Duration)
	maxAttempts int
}

// SeriesRef is the abbreviated series object embedded in patches.
type SeriesRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Mbox string `json:"mbox"`
}

// Delegate is the user a patch is delegated to.
type Delegate struct {
	Username string `json:"username"`
}

// Check is one CI check attached to a patch.
type Check struct {
	Context string `json:"context"`
	State   string `json:"state"`
}

// Patch is a subset of the patch object, unknown fields are preserved
// in Raw for callers that need tracker-specific extras.
type Patch struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	MessageID string          `json:"msgid"`
	Date      string          `json:"date"`
	State     string          `json:"state"`
	PullURL   string          `json:"pull_url"`
	Mbox      string          `json:"mbox"`
	Checks    string          `json:"checks"`
	Delegate  *Delegate       `json:"delegate"`
	Series    []SeriesRef     `json:"series"`
	Raw       json.RawMessage `json:"-"`
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	type alias Patch
	if err := json.Unmarshal(data, (*alias)(p)); err != nil {
		return err
	}
	p.Raw = append([]byte(nil), data...)
	return nil
}

// SeriesID returns the id of the patch's series, 0 for standalone
// patches.
func (p *Patch) SeriesID() int {
	if len(p.Series) == 0 {
		return 0
	}
	return p.Series[0].ID
}

type Series struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Date        string          `json:"date"`
	ReceivedAll bool            `json:"received_all"`
	CoverLetter json.RawMessage `json:"cover_letter"`
	Patches     []Patch         `json:"patches"`
	Raw         json.RawMessage `json:"-"`
}

type PostError struct {
	Status int
	Body   string
}

func (err *PostError) Error() string {
	return fmt.Sprintf("patchwork post failed: status %v: %s", err.Status, err.Body)
}

func NewClient(cfg *Config) (*Client, error) {
	pw := &Client{
		server:      cfg.Server,
		proto:       "https://",
		token:       cfg.Token,
		user:        cfg.User,
		userAgent:   cfg.UserAgent,
		client:      &http.Client{Timeout: time.Minute},
		sleep:       time.Sleep,
		maxAttempts: 10,
	}
	if cfg.UseSSL != nil && !*cfg.UseSSL {
		pw.proto = "http://"
	}
	project, err := pw.resolveProject(cfg.Project)
	if err != nil {
		return nil, err
	}
	pw.project = project
	return pw, nil
}

// resolveProject maps a project name to its numeric id, accepting a
// plain id as a fallback for trackers that hide the project list.
func (pw *Client) resolveProject(name string) (int, error) {
	var projects []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := pw.getAll("projects", nil, &projects); err != nil {
		return 0, err
	}
	for _, project := range projects {
		if project.Name == name {
			return project.ID, nil
		}
	}
	id, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("patchwork project %q not found", name)
	}
	return id, nil
}

func (pw *Client) apiURL(req string) string {
	return fmt.Sprintf("%v%v/api/1.1/%v", pw.proto, pw.server, req)
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}

// Request performs a GET of an absolute URL and decodes the JSON reply.
// Used directly by callers that follow links embedded in tracker
// objects (e.g. a patch's checks URL).
func (pw *Client) Request(absURL string, reply interface{}) error {
	resp, err := pw.request(absURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("patchwork request %v: status %v: %s", absURL, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(reply)
}

func (pw *Client) request(absURL string) (*http.Response, error) {
	closer := log.OpenSection("patchwork %v request: %v", pw.server, absURL)
	defer closer()
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < pw.maxAttempts; attempt++ {
		if attempt != 0 {
			pw.sleep(backoff)
			backoff *= 2
		}
		req, err := http.NewRequest(http.MethodGet, absURL, nil)
		if err != nil {
			return nil, err
		}
		if pw.userAgent != "" {
			req.Header.Set("User-Agent", pw.userAgent)
		}
		resp, err := pw.client.Do(req)
		if err != nil {
			if isTransient(err) {
				lastErr = err
				log.Logf(1, "transient failure (attempt %v): %v", attempt+1, err)
				continue
			}
			return nil, err
		}
		log.Logf(2, "response: %v", resp.Status)
		return resp, nil
	}
	return nil, fmt.Errorf("patchwork request %v: retries exhausted: %w", absURL, lastErr)
}

func (pw *Client) get(req string, reply interface{}) error {
	return pw.Request(pw.apiURL(req), reply)
}

// getAll follows the Link "next" chain until the server stops
// advertising one, appending each page into reply (a slice pointer).
func (pw *Client) getAll(objType string, filters url.Values, reply interface{}) error {
	pages, err := pw.getAllRaw(objType, filters)
	if err != nil {
		return err
	}
	return json.Unmarshal(pages, reply)
}

func (pw *Client) getAllRaw(objType string, filters url.Values) (json.RawMessage, error) {
	next := pw.apiURL(objType + "/?" + filters.Encode())
	var items []json.RawMessage
	for next != "" {
		resp, err := pw.request(next)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("patchwork list %v: status %v: %s", objType, resp.StatusCode, body)
		}
		var page []json.RawMessage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("patchwork list %v: %w", objType, err)
		}
		items = append(items, page...)
		next = nextLink(resp.Header.Get("Link"))
	}
	merged, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// nextLink extracts the rel="next" URL from a Link header. The header
// carries multiple comma-separated <url>; rel="type" entries.
func nextLink(header string) string {
	for _, link := range strings.Split(header, ",") {
		info := strings.SplitN(link, ";", 2)
		if len(info) != 2 {
			continue
		}
		if strings.TrimSpace(info[1]) != `rel="next"` {
			continue
		}
		url := strings.TrimSpace(info[0])
		return strings.TrimSuffix(strings.TrimPrefix(url, "<"), ">")
	}
	return ""
}

func (pw *Client) GetSeries(id int) (*Series, error) {
	series := new(Series)
	if err := pw.get(fmt.Sprintf("series/%v/", id), series); err != nil {
		return nil, err
	}
	return series, nil
}

func (pw *Client) GetPatch(id int) (*Patch, error) {
	patch := new(Patch)
	if err := pw.get(fmt.Sprintf("patches/%v/", id), patch); err != nil {
		return nil, err
	}
	return patch, nil
}

// GetMbox fetches the raw mbox text of a patch, cover or series.
// The mbox endpoint lives outside the api/ prefix.
func (pw *Client) GetMbox(kind string, id int) (string, error) {
	url := fmt.Sprintf("%v%v/%v/%v/mbox/", pw.proto, pw.server, kind, id)
	resp, err := pw.request(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("patchwork mbox %v/%v: status %v", kind, id, resp.StatusCode)
	}
	return string(body), nil
}

// GetMboxDirect fetches mbox text from a URL embedded in a tracker
// object (e.g. a series' mbox link).
func (pw *Client) GetMboxDirect(url string) (string, error) {
	resp, err := pw.request(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("patchwork mbox %v: status %v", url, resp.StatusCode)
	}
	return string(body), nil
}

// ListChecks fetches the checks of a patch via its embedded checks
// URL.
func (pw *Client) ListChecks(patch *Patch) ([]Check, error) {
	if patch.Checks == "" {
		return nil, nil
	}
	var checks []Check
	if err := pw.Request(patch.Checks, &checks); err != nil {
		return nil, err
	}
	return checks, nil
}

// ListPatchChecks fetches the checks of a patch by id, for callers
// that only have the compact patch stub embedded in a series.
func (pw *Client) ListPatchChecks(patchID int) ([]Check, error) {
	var checks []Check
	if err := pw.getAll(fmt.Sprintf("patches/%v/checks", patchID), nil, &checks); err != nil {
		return nil, err
	}
	return checks, nil
}

// GetByMessageId looks an object up by mail Message-ID. The tracker
// returns a one-element array for exact matches, which is unwrapped.
func (pw *Client) GetByMessageId(kind, msgid string) (json.RawMessage, error) {
	filters := url.Values{"msgid": {strings.Trim(msgid, "<>")}}
	var items []json.RawMessage
	if err := pw.getAll(kind, filters, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// ListPatches returns all patches matching the filters, e.g.
// project/state/action_required for the poller's work queue.
func (pw *Client) ListPatches(filters url.Values) ([]Patch, error) {
	if filters == nil {
		filters = url.Values{}
	}
	if filters.Get("project") == "" {
		filters.Set("project", strconv.Itoa(pw.project))
	}
	var patches []Patch
	if err := pw.getAll("patches", filters, &patches); err != nil {
		return nil, err
	}
	return patches, nil
}

// ListNewSeriesSince returns all series updated since the cursor along
// with a new cursor (the maximum series date seen, or the old cursor
// when the page was empty).
func (pw *Client) ListNewSeriesSince(since string) ([]Series, string, error) {
	filters := url.Values{
		"project": {strconv.Itoa(pw.project)},
		"since":   {since},
	}
	var series []Series
	if err := pw.getAll("series", filters, &series); err != nil {
		return nil, "", err
	}
	cursor := since
	for _, s := range series {
		if s.Date > cursor {
			cursor = s.Date
		}
	}
	return series, cursor, nil
}

// PostCheck attaches a check result to a patch. 502/504 replies get a
// single retry after 30s, the POST path is not retried by the
// transport.
func (pw *Client) PostCheck(patchID int, name, state, link, desc string) error {
	data := url.Values{
		"user":        {pw.user},
		"state":       {state},
		"target_url":  {link},
		"context":     {name},
		"description": {desc},
	}
	status, body, err := pw.post(fmt.Sprintf("patches/%v/checks/", patchID), data)
	if err != nil {
		return err
	}
	if status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
		log.Logf(0, "check post got %v, retrying in 30s", status)
		pw.sleep(30 * time.Second)
		status, body, err = pw.post(fmt.Sprintf("patches/%v/checks/", patchID), data)
		if err != nil {
			return err
		}
	}
	if status != http.StatusCreated {
		return &PostError{Status: status, Body: body}
	}
	return nil
}

func (pw *Client) UpdatePatchState(patchID int, state string) error {
	data := url.Values{"state": {state}}
	status, body, err := pw.patch(fmt.Sprintf("patches/%v/", patchID), data)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &PostError{Status: status, Body: body}
	}
	return nil
}

func (pw *Client) post(req string, data url.Values) (int, string, error) {
	return pw.send(http.MethodPost, req, data)
}

func (pw *Client) patch(req string, data url.Values) (int, string, error) {
	return pw.send(http.MethodPatch, req, data)
}

func (pw *Client) send(method, req string, data url.Values) (int, string, error) {
	closer := log.OpenSection("patchwork %v %v: %v", pw.server, method, req)
	defer closer()
	httpReq, err := http.NewRequest(method, pw.apiURL(req), bytes.NewBufferString(data.Encode()))
	if err != nil {
		return 0, "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if pw.token != "" {
		httpReq.Header.Set("Authorization", "Token "+pw.token)
	}
	if pw.userAgent != "" {
		httpReq.Header.Set("User-Agent", pw.userAgent)
	}
	resp, err := pw.client.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	log.Logf(2, "response: %v %s", resp.Status, body)
	return resp.StatusCode, string(body), nil
}
