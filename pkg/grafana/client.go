// Package grafana talks to one or more Grafana servers over their HTTP API
// and builds the solo-panel URLs the renderer captures.
package grafana

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
)

// ErrUnknownServer is returned for server refs that are not configured
var ErrUnknownServer = errors.New("unknown grafana server")

// Server is one configured Grafana instance
type Server struct {
	ID            string  `mapstructure:"id" json:"id"`
	URL           string  `mapstructure:"url" json:"url"`
	Username      string  `mapstructure:"username" json:"username,omitempty"`
	Password      string  `mapstructure:"password" json:"-"`
	Token         string  `mapstructure:"token" json:"-"`
	Default       bool    `mapstructure:"default" json:"default"`
	SkipTLSVerify bool    `mapstructure:"skip_tls_verify" json:"skipTlsVerify"`
	RateLimit     float64 `mapstructure:"rate_limit" json:"rateLimit,omitempty"`
}

type server struct {
	cfg     Server
	base    string
	http    *resty.Client
	limiter *rate.Limiter
}

// Client multiplexes API calls across configured servers
type Client struct {
	servers   map[string]*server
	order     []string
	defaultID string
	logger    *zap.Logger

	mu       sync.RWMutex
	versions map[string]string
}

// New validates the server list and builds a client
func New(servers []Server, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		servers:  make(map[string]*server, len(servers)),
		logger:   logger.Named("grafana"),
		versions: make(map[string]string),
	}
	for _, s := range servers {
		if s.ID == "" {
			return nil, errors.New("grafana server without id")
		}
		if _, dup := c.servers[s.ID]; dup {
			return nil, fmt.Errorf("duplicate grafana server id %q", s.ID)
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("grafana server %q: invalid url %q", s.ID, s.URL)
		}

		hc := resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json")
		if s.SkipTLSVerify {
			hc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
		}
		srv := &server{cfg: s, base: strings.TrimRight(s.URL, "/"), http: hc}
		if s.RateLimit > 0 {
			srv.limiter = rate.NewLimiter(rate.Limit(s.RateLimit), 1)
		}
		c.servers[s.ID] = srv
		c.order = append(c.order, s.ID)
		if s.Default && c.defaultID == "" {
			c.defaultID = s.ID
		}
	}
	if c.defaultID == "" && len(c.order) > 0 {
		c.defaultID = c.order[0]
	}
	return c, nil
}

// Servers returns the configured servers in configuration order
func (c *Client) Servers() []Server {
	out := make([]Server, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.servers[id].cfg)
	}
	return out
}

// DefaultServer returns the id used for empty refs
func (c *Client) DefaultServer() string {
	return c.defaultID
}

func (c *Client) resolve(ref string) (*server, error) {
	if ref == "" {
		ref = c.defaultID
	}
	s, ok := c.servers[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, ref)
	}
	return s, nil
}

// AuthHeaders returns the headers that authenticate against ref. A configured
// token wins over basic credentials; with neither, the plugin's managed
// service account token is used.
func (c *Client) AuthHeaders(ctx context.Context, ref string) (map[string]string, error) {
	s, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	switch {
	case s.cfg.Token != "":
		return map[string]string{"Authorization": "Bearer " + s.cfg.Token}, nil
	case s.cfg.Username != "":
		cred := base64.StdEncoding.EncodeToString([]byte(s.cfg.Username + ":" + s.cfg.Password))
		return map[string]string{"Authorization": "Basic " + cred}, nil
	}
	token, err := serviceAccountToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("grafana server %q has no credentials: %w", s.cfg.ID, err)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// serviceAccountToken looks up the managed service account token, first in
// the plugin request context, then in GF_PLUGIN_APP_CLIENT_SECRET.
func serviceAccountToken(ctx context.Context) (string, error) {
	if cfg := backend.GrafanaConfigFromContext(ctx); cfg != nil {
		if token, err := cfg.PluginAppClientSecret(); err == nil && token != "" {
			return token, nil
		}
	}
	if token := os.Getenv("GF_PLUGIN_APP_CLIENT_SECRET"); token != "" {
		return token, nil
	}
	return "", errors.New("no service account token available (enable externalServiceAccounts or configure credentials)")
}

func (c *Client) request(ctx context.Context, s *server) (*resty.Request, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	headers, err := c.AuthHeaders(ctx, s.cfg.ID)
	if err != nil {
		return nil, err
	}
	return s.http.R().SetContext(ctx).SetHeaders(headers), nil
}

func (c *Client) get(ctx context.Context, ref, path string, query map[string]string, out interface{}) error {
	s, err := c.resolve(ref)
	if err != nil {
		return err
	}
	req, err := c.request(ctx, s)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.SetResult(out).Get(s.base + path)
	if err != nil {
		return fmt.Errorf("GET %s on %q: %w", path, s.cfg.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s on %q: status %d: %s", path, s.cfg.ID, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Health is the /api/health payload
type Health struct {
	Database string `json:"database"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
}

// Health queries /api/health
func (c *Client) Health(ctx context.Context, ref string) (*Health, error) {
	var h Health
	if err := c.get(ctx, ref, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetVersion returns the server version, cached after the first success
func (c *Client) GetVersion(ctx context.Context, ref string) (string, error) {
	s, err := c.resolve(ref)
	if err != nil {
		return "", err
	}
	c.mu.RLock()
	v, ok := c.versions[s.cfg.ID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	h, err := c.Health(ctx, s.cfg.ID)
	if err != nil {
		return "", err
	}
	if h.Version == "" {
		return "", fmt.Errorf("grafana server %q did not report a version", s.cfg.ID)
	}
	c.mu.Lock()
	c.versions[s.cfg.ID] = h.Version
	c.mu.Unlock()
	return h.Version, nil
}

// Organization is a Grafana org
type Organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ListOrganizations lists every org visible to the configured user
func (c *Client) ListOrganizations(ctx context.Context, ref string) ([]Organization, error) {
	var orgs []Organization
	if err := c.get(ctx, ref, "/api/orgs", nil, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// SwitchOrganization changes the user's current org
func (c *Client) SwitchOrganization(ctx context.Context, ref string, orgID int64) error {
	s, err := c.resolve(ref)
	if err != nil {
		return err
	}
	req, err := c.request(ctx, s)
	if err != nil {
		return err
	}
	path := "/api/user/using/" + strconv.FormatInt(orgID, 10)
	resp, err := req.Post(s.base + path)
	if err != nil {
		return fmt.Errorf("POST %s on %q: %w", path, s.cfg.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("POST %s on %q: status %d: %s", path, s.cfg.ID, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Dashboard is a search hit
type Dashboard struct {
	ID          int64  `json:"id"`
	UID         string `json:"uid"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Type        string `json:"type"`
	FolderTitle string `json:"folderTitle"`
}

// ListDashboards searches dashboards, switching to orgID first when set
func (c *Client) ListDashboards(ctx context.Context, ref string, orgID int64) ([]Dashboard, error) {
	if orgID > 0 {
		if err := c.SwitchOrganization(ctx, ref, orgID); err != nil {
			c.logger.Warn("could not switch organization before search", zap.Int64("org_id", orgID), zap.Error(err))
		}
	}
	var hits []Dashboard
	if err := c.get(ctx, ref, "/api/search", map[string]string{"type": "dash-db"}, &hits); err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Type != "" && h.Type != "dash-db" {
			continue
		}
		if h.FolderTitle == "" {
			h.FolderTitle = "General"
		}
		out = append(out, h)
	}
	return out, nil
}

// Panel is a dashboard panel summary
type Panel struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Datasource  string `json:"datasource"`
}

type rawPanel struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Datasource  datasourceRef   `json:"datasource"`
	Panels      []rawPanel      `json:"panels"`
}

// datasourceRef accepts both the legacy string form and the {type, uid} object
type datasourceRef struct {
	Type string
	Name string
}

func (d *datasourceRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		d.Name = name
		return nil
	}
	var obj struct {
		Type string `json:"type"`
		UID  string `json:"uid"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	d.Type = obj.Type
	d.Name = obj.UID
	return nil
}

func (d datasourceRef) kind() string {
	if d.Type != "" {
		return d.Type
	}
	return "unknown"
}

type dashboardPayload struct {
	Dashboard struct {
		UID    string     `json:"uid"`
		Title  string     `json:"title"`
		Panels []rawPanel `json:"panels"`
	} `json:"dashboard"`
}

// ListPanels returns the panels of a dashboard; panels nested in collapsed
// rows are flattened in place of the row.
func (c *Client) ListPanels(ctx context.Context, ref, uid string) ([]Panel, error) {
	var payload dashboardPayload
	if err := c.get(ctx, ref, "/api/dashboards/uid/"+url.PathEscape(uid), nil, &payload); err != nil {
		return nil, err
	}
	var panels []Panel
	var walk func([]rawPanel)
	walk = func(list []rawPanel) {
		for _, p := range list {
			if p.Type == "row" {
				walk(p.Panels)
				continue
			}
			panels = append(panels, Panel{
				ID:          p.ID,
				Title:       p.Title,
				Type:        p.Type,
				Description: p.Description,
				Datasource:  p.Datasource.kind(),
			})
		}
	}
	walk(payload.Dashboard.Panels)
	return panels, nil
}

// BuildPanelURL builds the d-solo URL the renderer loads for one panel
func (c *Client) BuildPanelURL(ref string, t capture.Target) (string, error) {
	s, err := c.resolve(ref)
	if err != nil {
		return "", err
	}
	if t.DashboardUID == "" {
		return "", errors.New("dashboard uid is required")
	}
	params := [][2]string{
		{"panelId", strconv.FormatInt(t.PanelID, 10)},
		{"width", strconv.Itoa(t.Width)},
		{"height", strconv.Itoa(t.Height)},
		{"theme", t.Theme},
		{"from", t.TimeRange.From},
		{"to", t.TimeRange.To},
		{"render", "image"},
	}
	if t.OrganizationID > 0 {
		params = append(params, [2]string{"orgId", strconv.FormatInt(t.OrganizationID, 10)})
	}
	var q strings.Builder
	for i, kv := range params {
		if i > 0 {
			q.WriteByte('&')
		}
		q.WriteString(url.QueryEscape(kv[0]))
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(kv[1]))
	}
	return fmt.Sprintf("%s/d-solo/%s?%s", s.base, url.PathEscape(t.DashboardUID), q.String()), nil
}
