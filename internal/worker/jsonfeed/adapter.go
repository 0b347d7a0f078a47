// Package jsonfeed is a platform adapter for paginated JSON feed APIs:
//
//	GET {base_url}/search?q=...&limit=...&cursor=...
//	GET {base_url}/accounts/{account}/items?limit=...
//	GET {base_url}/me (token check)
//
// Pages are shaped {"items": [...], "next": "<cursor>"}.
package jsonfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/worker"
	"golang.org/x/time/rate"
)

const (
	Name            = "jsonfeed"
	defaultPageSize = 50
)

var errNotAuthenticated = errors.New("jsonfeed: Authenticate must succeed before collecting")

type page struct {
	Items []map[string]interface{} `json:"items"`
	Next  string                   `json:"next"`
}

type Adapter struct {
	client   *http.Client
	baseURL  string
	token    string
	pageSize int
	limiter  *rate.Limiter
}

func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{client: client, pageSize: defaultPageSize}
}

// Register adds the adapter factory under Name.
func Register(reg *worker.Registry, client *http.Client) error {
	return reg.RegisterPlatform(Name, func() (worker.PlatformAdapter, error) {
		return New(client), nil
	})
}

func (a *Adapter) Name() string { return Name }

// Authenticate reads base_url (required), token, page_size and
// requests_per_second. Without a token the feed is treated as public.
func (a *Adapter) Authenticate(ctx context.Context, creds map[string]string) (bool, error) {
	base := strings.TrimRight(creds["base_url"], "/")
	if base == "" {
		return false, fmt.Errorf("jsonfeed: base_url is not configured")
	}
	if _, err := url.Parse(base); err != nil {
		return false, fmt.Errorf("jsonfeed: invalid base_url: %w", err)
	}
	a.baseURL = base
	a.token = creds["token"]

	if n, err := strconv.Atoi(creds["page_size"]); err == nil && n > 0 {
		a.pageSize = n
	}
	if rps, err := strconv.ParseFloat(creds["requests_per_second"], 64); err == nil && rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	if a.token == "" {
		return true, nil
	}
	resp, err := a.get(ctx, "/me", nil)
	if err != nil {
		return false, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("jsonfeed: token check returned %s", resp.Status)
	}
}

// reservedParams are query parameters the adapter owns; filters cannot set them.
var reservedParams = map[string]bool{
	"q": true, "limit": true, "cursor": true, "since": true, "until": true, "sort_by": true,
}

func (a *Adapter) Search(ctx context.Context, keywords []string, opts models.SearchOptions) iter.Seq2[models.RawItem, error] {
	return func(yield func(models.RawItem, error) bool) {
		if a.baseURL == "" {
			yield(models.RawItem{}, errNotAuthenticated)
			return
		}

		q := url.Values{}
		q.Set("q", strings.Join(keywords, " "))
		size := a.pageSize
		if opts.Limit > 0 && opts.Limit < size {
			size = opts.Limit
		}
		q.Set("limit", strconv.Itoa(size))
		if opts.Since != "" {
			q.Set("since", opts.Since)
		}
		if opts.Until != "" {
			q.Set("until", opts.Until)
		}
		if opts.SortBy != "" {
			q.Set("sort_by", opts.SortBy)
		}
		for k, v := range opts.Filters {
			if reservedParams[k] {
				continue
			}
			q.Set(k, fmt.Sprint(v))
		}

		for {
			p, err := a.fetchPage(ctx, "/search", q)
			if err != nil {
				yield(models.RawItem{}, err)
				return
			}
			for _, data := range p.Items {
				if !yield(a.rawItem(data), nil) {
					return
				}
			}
			if p.Next == "" || len(p.Items) == 0 {
				return
			}
			q.Set("cursor", p.Next)
		}
	}
}

func (a *Adapter) Monitor(ctx context.Context, accounts []string, limit int) iter.Seq2[models.RawItem, error] {
	return func(yield func(models.RawItem, error) bool) {
		if a.baseURL == "" {
			yield(models.RawItem{}, errNotAuthenticated)
			return
		}

		q := url.Values{}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		for _, account := range accounts {
			p, err := a.fetchPage(ctx, "/accounts/"+url.PathEscape(account)+"/items", q)
			if err != nil {
				yield(models.RawItem{}, fmt.Errorf("account %s: %w", account, err))
				return
			}
			for _, data := range p.Items {
				if _, ok := data["author"]; !ok {
					data["author"] = account
				}
				if !yield(a.rawItem(data), nil) {
					return
				}
			}
		}
	}
}

func (a *Adapter) Cleanup(context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) rawItem(data map[string]interface{}) models.RawItem {
	id := ""
	switch v := data["id"].(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return models.RawItem{ID: id, Platform: Name, Data: data}
}

func (a *Adapter) fetchPage(ctx context.Context, path string, q url.Values) (*page, error) {
	resp, err := a.get(ctx, path, q)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jsonfeed: GET %s returned %s", path, resp.Status)
	}
	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("jsonfeed: decode %s: %w", path, err)
	}
	return &p, nil
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	target := a.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jsonfeed: GET %s: %w", path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
