package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"telmlog/internal/config"
)

// looseString accepts a JSON string, number or null. The feed is not
// consistent about which one it sends for coordinates and frequencies.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

func (s looseString) Float() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
}

type feedResponse struct {
	Results []FeedEntry `json:"results"`
}

// FeedEntry is one sonde log from the radiosondy feed.
type FeedEntry struct {
	Status      string      `json:"status"`
	Type        string      `json:"type"`
	SondeNumber looseString `json:"sonde_number"`
	StartTime   string      `json:"start_time"`
	Frequency   looseString `json:"qrg"`
	LogInfo     LogInfo     `json:"log_info"`
}

type LogInfo struct {
	Finder           *string     `json:"finder"`
	LogAdded         string      `json:"log_added"`
	Comment          string      `json:"comment"`
	FoundCoordinates Coordinates `json:"found_coordinates"`
}

type Coordinates struct {
	Latitude  looseString `json:"latitude"`
	Longitude looseString `json:"longitude"`
}

// Sighting is one sonde returned by a SondeHub area search.
type Sighting struct {
	Datetime  string      `json:"datetime"`
	Type      string      `json:"type"`
	Frequency looseString `json:"frequency"`
}

// Recovery is a recovery report as SondeHub stores it.
type Recovery struct {
	Datetime    string  `json:"datetime"`
	Serial      string  `json:"serial"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Recovered   bool    `json:"recovered"`
	RecoveredBy string  `json:"recovered_by"`
	Description string  `json:"description"`
}

// Client talks to the radiosondy feed and the SondeHub recovery API.
type Client struct {
	http    *http.Client
	feedURL string
	token   string
	period  int
	apiURL  string
	logger  *slog.Logger
}

func NewClient(cfg config.RecoveryConfig, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		feedURL: cfg.FeedURL,
		token:   cfg.FeedToken,
		period:  cfg.FeedPeriod,
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		logger:  logger,
	}
}

func (c *Client) FetchFeed(ctx context.Context) ([]FeedEntry, error) {
	q := url.Values{}
	if c.token != "" {
		q.Set("token", c.token)
	}
	q.Set("period", strconv.Itoa(c.period))
	var out feedResponse
	if err := c.getJSON(ctx, c.feedURL+"?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	return out.Results, nil
}

func (c *Client) Recoveries(ctx context.Context, serial string) ([]Recovery, error) {
	var out []Recovery
	if err := c.getJSON(ctx, c.apiURL+"/recovered?"+url.Values{"serial": {serial}}.Encode(), &out); err != nil {
		return nil, fmt.Errorf("recoveries for %s: %w", serial, err)
	}
	return out, nil
}

// SearchSondes lists sondes heard within 1km of a point over the last three
// days, keyed by serial.
func (c *Client) SearchSondes(ctx context.Context, lat, lon float64) (map[string]Sighting, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("distance", "1000")
	q.Set("last", "259200")
	out := map[string]Sighting{}
	if err := c.getJSON(ctx, c.apiURL+"/sondes?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("search sondes: %w", err)
	}
	return out, nil
}

func (c *Client) PutRecovery(ctx context.Context, report Recovery) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.apiURL+"/recovered", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put recovery %s: %w", report.Serial, err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put recovery %s: status %d: %s", report.Serial, resp.StatusCode, strings.TrimSpace(string(reply)))
	}
	if c.logger != nil {
		c.logger.Info("recovery uploaded", "serial", report.Serial, "response", strings.TrimSpace(string(reply)))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
