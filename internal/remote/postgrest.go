package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PostgRESTStore talks to a Supabase-style REST surface. The client
// timeout bounds every call so one hung request cannot stall an
// upload batch.
type PostgRESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPostgRESTStore creates a store for the given Supabase project URL
// and API key
func NewPostgRESTStore(baseURL, apiKey string, timeout time.Duration) *PostgRESTStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgRESTStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *PostgRESTStore) endpoint(collection string) string {
	return s.baseURL + "/rest/v1/" + url.PathEscape(collection)
}

func (s *PostgRESTStore) do(ctx context.Context, method, rawURL string, body interface{}, prefer string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	return s.client.Do(req)
}

// checkStatus drains the response and converts non-2xx statuses into
// errors. 4xx responses are permanent rejections.
func checkStatus(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s: %s", ErrRemoteRejected, resp.Status, strings.TrimSpace(string(detail)))
	}
	return fmt.Errorf("remote error: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
}

// Insert posts the record, merging on duplicate id so replays are
// harmless
func (s *PostgRESTStore) Insert(ctx context.Context, collection string, record map[string]interface{}) error {
	resp, err := s.do(ctx, http.MethodPost, s.endpoint(collection), record, "resolution=merge-duplicates")
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// Update patches the record with this id
func (s *PostgRESTStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	rawURL := s.endpoint(collection) + "?id=eq." + url.QueryEscape(id)
	resp, err := s.do(ctx, http.MethodPatch, rawURL, fields, "")
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// Delete removes the record with this id
func (s *PostgRESTStore) Delete(ctx context.Context, collection, id string) error {
	rawURL := s.endpoint(collection) + "?id=eq." + url.QueryEscape(id)
	resp, err := s.do(ctx, http.MethodDelete, rawURL, nil, "")
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// SelectRecent fetches the most recently updated records, newest first
func (s *PostgRESTStore) SelectRecent(ctx context.Context, collection string, limit int) ([]map[string]interface{}, error) {
	rawURL := fmt.Sprintf("%s?select=*&order=atualizado_em.desc&limit=%d", s.endpoint(collection), limit)
	resp, err := s.do(ctx, http.MethodGet, rawURL, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote error: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var records []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", collection, err)
	}
	return records, nil
}

// Ping reports whether the REST surface answers at all
func (s *PostgRESTStore) Ping(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodHead, s.baseURL+"/rest/v1/", nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("remote unhealthy: %s", resp.Status)
	}
	return nil
}
