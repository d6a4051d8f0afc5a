package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/courier/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the courier API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// GetWorkers fetches the pool status
func (c *Client) GetWorkers() (*PoolStatus, error) {
	var st PoolStatus
	if err := c.get("/workers", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetPartners fetches partner availability
func (c *Client) GetPartners() (*PartnerStatus, error) {
	var st PartnerStatus
	if err := c.get("/partners", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetRecords fetches recent audit records
func (c *Client) GetRecords(action string, limit int) ([]models.PDREntry, error) {
	q := url.Values{}
	if action != "" {
		q.Set("action", action)
	}
	q.Set("limit", strconv.Itoa(limit))

	var entries []models.PDREntry
	if err := c.get("/records?"+q.Encode(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Submit sends one work item. high routes it through the priority lane.
func (c *Client) Submit(high bool, payload string) (*Receipt, error) {
	path := "/work"
	if high {
		path = "/high-priority"
	}
	body := map[string]interface{}{"data": payload}

	resp, err := c.post(path, body)
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(resp, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Burst submits n normal and n priority items in one batch
func (c *Client) Burst(n int) ([]Receipt, error) {
	items := make([]map[string]interface{}, 0, 2*n)
	for i := 0; i < n; i++ {
		items = append(items,
			map[string]interface{}{"lane": "normal", "data": fmt.Sprintf("burst-%d", i)},
			map[string]interface{}{"lane": "priority", "priority": i % 3, "data": fmt.Sprintf("burst-high-%d", i)},
		)
	}

	resp, err := c.post("/batch", map[string]interface{}{"items": items})
	if err != nil {
		return nil, err
	}
	var receipts []Receipt
	if err := json.Unmarshal(resp, &receipts); err != nil {
		return nil, err
	}
	return receipts, nil
}

// AssignOrder requests a partner and worker for an order. It returns the
// server's message, which is also set on errors.
func (c *Client) AssignOrder(customer, address, items string) (string, error) {
	body := map[string]string{
		"customerName":    customer,
		"deliveryAddress": address,
		"orderItems":      items,
	}
	resp, err := c.post("/assign-order", body)
	if err != nil {
		return "", err
	}

	var result struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	return result.Message, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Errorf("%s", e.Message)
	}
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}
