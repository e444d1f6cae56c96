// Package dashboard provides an embedded web dashboard for the flash-loan
// engine.
//
// The dashboard provides:
// - Engine health and transaction counters
// - Account lookup by public key, with recent transactions
// - Receipt lookup by transaction id
//
// Every page has a JSON twin under /api.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/node"
)

// Config holds dashboard configuration options.
type Config struct {
	// Addr is the address to bind the HTTP server to.
	// Default: "127.0.0.1:8080"
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration

	// HistoryLimit bounds the transactions listed on an account page.
	HistoryLimit int

	Logger *logrus.Entry
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		HistoryLimit: 25,
	}
}

// Source provides engine state to the dashboard. *node.Node implements it.
type Source interface {
	Status() *node.Status
	GetAccount(pubkey types.Pubkey) (*accounts.Account, error)
	GetStatus(id types.Hash) (*blockstore.TransactionStatus, error)
	History(addr types.Pubkey, limit int) ([]*blockstore.TransactionStatus, error)
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config Config
	source Source
	log    *logrus.Entry

	templates *template.Template

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// New creates a new dashboard server.
func New(config Config, source Source) (*Dashboard, error) {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	d := &Dashboard{
		config: config,
		source: source,
		log:    config.Logger.WithField("component", "dashboard"),
	}

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	d.templates = tmpl

	return d, nil
}

func parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"truncateHash":   truncateHash,
	}

	tmpl := template.New("").Funcs(funcMap)
	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, errors.Wrap(err, "parse layout")
	}

	pages := map[string]string{
		"home":        homeTemplate,
		"account":     accountTemplate,
		"transaction": transactionTemplate,
		"notfound":    notFoundTemplate,
	}
	for name, content := range pages {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, errors.Wrapf(err, "parse %s template", name)
		}
	}

	return tmpl, nil
}

// Handler returns the HTTP handler serving pages and the JSON API.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/search", d.handleSearch)
	mux.HandleFunc("/accounts/", d.handleAccount)
	mux.HandleFunc("/transactions/", d.handleTransaction)

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/accounts/", d.handleAPIAccount)
	mux.HandleFunc("/api/transactions/", d.handleAPITransaction)

	return mux
}

// Start serves until ctx is cancelled or Stop is called.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dashboard already running")
	}
	d.running = true
	d.server = &http.Server{
		Addr:         d.config.Addr,
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	server := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.log.WithField("addr", d.config.Addr).Info("dashboard starting")

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		d.renderNotFound(w, "page "+r.URL.Path)
		return
	}
	d.renderPage(w, "home", d.statusResponse())
}

// handleSearch redirects to the receipt or account a base58 query names.
// Transaction ids take precedence since both are 32 bytes.
func (d *Dashboard) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if id, err := types.HashFromBase58(q); err == nil {
		if _, err := d.source.GetStatus(id); err == nil {
			http.Redirect(w, r, "/transactions/"+q, http.StatusSeeOther)
			return
		}
	}
	http.Redirect(w, r, "/accounts/"+q, http.StatusSeeOther)
}

func (d *Dashboard) handleAccount(w http.ResponseWriter, r *http.Request) {
	pubkey, err := types.PubkeyFromBase58(strings.TrimPrefix(r.URL.Path, "/accounts/"))
	if err != nil {
		d.renderNotFound(w, "account")
		return
	}

	resp, err := d.accountResponse(pubkey)
	if err != nil {
		d.renderNotFound(w, "account "+pubkey.String())
		return
	}
	d.renderPage(w, "account", resp)
}

func (d *Dashboard) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := types.HashFromBase58(strings.TrimPrefix(r.URL.Path, "/transactions/"))
	if err != nil {
		d.renderNotFound(w, "transaction")
		return
	}

	resp, err := d.transactionResponse(id)
	if err != nil {
		d.renderNotFound(w, "transaction "+id.String())
		return
	}
	d.renderPage(w, "transaction", resp)
}

// renderPage renders a page template inside the layout.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	d.renderPageStatus(w, http.StatusOK, name, data)
}

func (d *Dashboard) renderNotFound(w http.ResponseWriter, what string) {
	d.renderPageStatus(w, http.StatusNotFound, "notfound", what)
}

func (d *Dashboard) renderPageStatus(w http.ResponseWriter, code int, name string, data interface{}) {
	var content strings.Builder
	if err := d.templates.ExecuteTemplate(&content, name, data); err != nil {
		d.log.WithError(err).WithField("page", name).Error("render page")
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}

	var page strings.Builder
	layout := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(content.String()),
	}
	if err := d.templates.ExecuteTemplate(&page, "layout", layout); err != nil {
		d.log.WithError(err).Error("render layout")
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, page.String())
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatNumber(n uint64) string {
	switch {
	case n < 1_000:
		return fmt.Sprintf("%d", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	default:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	}
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}
