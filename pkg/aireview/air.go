// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package aireview connects the patch tracker to the AI review
// service: the poller submits fresh series for review and posts the
// verdicts back as per-patch checks, the uploader syncs reviews
// finished out of band.
package aireview

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AirClient talks to the review service's small JSON API.
type AirClient struct {
	// URL is the API endpoint, Server the public host used in check
	// links (they differ when the API sits behind an internal name).
	URL    string
	Server string
	Token  string

	client http.Client
}

func NewAirClient(apiURL, server, token string) *AirClient {
	apiURL = strings.TrimRight(apiURL, "/")
	if server == "" {
		server = apiURL
	}
	return &AirClient{
		URL:    apiURL,
		Server: strings.TrimRight(server, "/"),
		Token:  token,
		client: http.Client{Timeout: 30 * time.Second},
	}
}

// Review is the service's view of one submission. The Review slice
// holds per-patch review text, an empty string meaning no findings.
type Review struct {
	ReviewID         string   `json:"review_id"`
	Status           string   `json:"status"`
	Message          string   `json:"message"`
	PatchCount       int      `json:"patch_count"`
	CompletedPatches int      `json:"completed_patches"`
	SeriesID         int      `json:"patchwork_series_id"`
	Review           []string `json:"review"`
}

func (air *AirClient) getJSON(url string, reply interface{}) error {
	resp, err := air.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("review service: status %v: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, reply)
}

// Submit asks for a review of a tracker series and returns the review
// id to poll.
func (air *AirClient) Submit(tree, branch string, seriesID int) (string, error) {
	payload := map[string]interface{}{
		"token":               air.Token,
		"tree":                tree,
		"patchwork_series_id": seriesID,
	}
	if branch != "" {
		payload["branch"] = branch
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := air.client.Post(air.URL+"/api/review", "application/json", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("review service: status %v: %s", resp.StatusCode, body)
	}
	reply := struct {
		ReviewID string `json:"review_id"`
	}{}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", err
	}
	if reply.ReviewID == "" {
		return "", fmt.Errorf("review service: no review id in reply")
	}
	return reply.ReviewID, nil
}

// GetReview fetches the full state of one review, with the per-patch
// text inlined.
func (air *AirClient) GetReview(reviewID string) (*Review, error) {
	params := url.Values{
		"id":     {reviewID},
		"format": {"inline"},
	}
	if air.Token != "" {
		params.Set("token", air.Token)
	}
	review := new(Review)
	if err := air.getJSON(air.URL+"/api/review?"+params.Encode(), review); err != nil {
		return nil, err
	}
	return review, nil
}

// ListReviews returns the most recent reviews, newest first. Without
// a token only public ones are visible.
func (air *AirClient) ListReviews(limit int) ([]Review, error) {
	params := url.Values{"limit": {fmt.Sprint(limit)}}
	if air.Token != "" {
		params.Set("token", air.Token)
	} else {
		params.Set("public_only", "true")
	}
	reply := struct {
		Reviews []Review `json:"reviews"`
	}{}
	if err := air.getJSON(air.URL+"/api/reviews?"+params.Encode(), &reply); err != nil {
		return nil, err
	}
	return reply.Reviews, nil
}

// ReviewLink is the human-readable page for a review, used as the
// check URL on the tracker.
func (air *AirClient) ReviewLink(reviewID string) string {
	return air.Server + "/ai-review.html?id=" + reviewID
}
