// Package push delivers a subset of wallet notifications to an external
// push-notification server. Each recipient gets a message rendered from
// per-language templates in their preferred unit; a failure for one
// recipient never blocks the others.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dan/bws/broker"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// deliveredTemplates maps the notification types worth a push to their
// template file name. Everything else is dropped silently.
var deliveredTemplates = map[string]string{
	wallet.NotifyNewCopayer:                "new_copayer",
	wallet.NotifyWalletComplete:            "wallet_complete",
	wallet.NotifyNewTxProposal:             "new_tx_proposal",
	wallet.NotifyNewOutgoingTx:             "new_outgoing_tx",
	wallet.NotifyNewIncomingTx:             "new_incoming_tx",
	wallet.NotifyTxProposalFinallyRejected: "txp_finally_rejected",
}

// Options configures the dispatcher. Zero fields take their default.
type Options struct {
	// ServerURL is the push server base; payloads are POSTed to
	// ServerURL + "/send".
	ServerURL string

	// Templates overrides the built-in template tree.
	Templates fs.FS

	DefaultLanguage string
	DefaultUnit     string

	// QueueSize bounds the broker subscription queue.
	QueueSize int

	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Templates == nil {
		o.Templates = DefaultTemplates()
	}
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = "en"
	}
	if o.DefaultUnit == "" {
		o.DefaultUnit = wallet.UnitBTC
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

// Dispatcher subscribes to the broker and pushes rendered notifications.
type Dispatcher struct {
	store  *storage.Store
	sub    *broker.Subscription
	client *http.Client
	url    string
	log    hclog.Logger
	opts   Options

	deliveries     *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
}

// New wires a Dispatcher and subscribes it to the broker, so no event
// published after this call is missed.
func New(store *storage.Store, brk *broker.Broker, logger hclog.Logger,
	opts Options, reg prometheus.Registerer) *Dispatcher {

	opts = opts.withDefaults()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = opts.RequestTimeout
	return &Dispatcher{
		store:  store,
		sub:    brk.Subscribe(opts.QueueSize),
		client: client,
		url:    strings.TrimSuffix(opts.ServerURL, "/") + "/send",
		log:    logger,
		opts:   opts,
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "push", Name: "deliveries_total",
			Help: "Push payloads accepted by the push server, by type.",
		}, []string{"type"}),
		deliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "push", Name: "delivery_errors_total",
			Help: "Push deliveries that failed, by type.",
		}, []string{"type"}),
	}
}

// Run drains the subscription until ctx is done or the broker closes.
// Handling errors are logged and dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-d.sub.Chan():
			if !ok {
				return nil
			}
			if err := d.handle(ctx, n); err != nil {
				d.log.Error("push notification failed",
					"type", n.Type, "wallet", n.WalletID, "err", err)
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, n *wallet.Notification) error {
	file, ok := deliveredTemplates[n.Type]
	if !ok {
		return nil
	}
	w, err := d.store.FetchWallet(n.WalletID)
	if err == storage.ErrNotFound {
		d.log.Warn("push for unknown wallet", "wallet", n.WalletID, "type", n.Type)
		return nil
	}
	if err != nil {
		return err
	}
	// A 1-of-n proposal needs no co-signer, so nobody is waiting on it.
	if n.Type == wallet.NotifyNewTxProposal && w.M == 1 {
		return nil
	}

	for _, c := range w.Copayers {
		if c.ID == n.CreatorID {
			continue
		}
		if err := d.deliver(ctx, n, w, c, file); err != nil {
			d.deliveryErrors.WithLabelValues(n.Type).Inc()
			d.log.Error("push delivery failed",
				"wallet", w.ID, "copayer", c.ID, "type", n.Type, "err", err)
			continue
		}
		d.deliveries.WithLabelValues(n.Type).Inc()
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *wallet.Notification,
	w *wallet.Wallet, c *wallet.Copayer, file string) error {

	language, unit := d.preferencesFor(w.ID, c.ID)
	msg, err := d.render(file, language, d.dataBag(n, w, unit))
	if err != nil {
		return err
	}
	return d.post(ctx, &pushRequest{
		Users: []string{w.ID + "$" + c.ID},
		Android: &androidPayload{
			Data: androidData{Title: msg.Subject, Message: msg.PlainBody},
		},
		IOS: &iosPayload{Alert: msg.Subject, Sound: "default"},
	})
}

// preferencesFor resolves a recipient's language and unit, defaulting
// missing or unset preferences.
func (d *Dispatcher) preferencesFor(walletID, copayerID string) (language, unit string) {
	language, unit = d.opts.DefaultLanguage, d.opts.DefaultUnit
	p, err := d.store.FetchPreferences(walletID, copayerID)
	if err == storage.ErrNotFound {
		return language, unit
	}
	if err != nil {
		d.log.Warn("failed to load preferences", "wallet", walletID, "copayer", copayerID, "err", err)
		return language, unit
	}
	if p.Language != "" {
		language = p.Language
	}
	if p.Unit != "" {
		unit = p.Unit
	}
	return language, unit
}

// render falls back to the default language when the recipient's language
// has no templates.
func (d *Dispatcher) render(file, language string, bag map[string]string) (*Message, error) {
	msg, err := renderMessage(d.opts.Templates, language, file, bag)
	if err != nil && language != d.opts.DefaultLanguage {
		d.log.Warn("no templates for language, falling back",
			"language", language, "fallback", d.opts.DefaultLanguage, "template", file)
		return renderMessage(d.opts.Templates, d.opts.DefaultLanguage, file, bag)
	}
	return msg, err
}

// dataBag flattens the notification and wallet into template variables.
// Amounts are formatted in the recipient's unit; rejector ids resolve to
// copayer names.
func (d *Dispatcher) dataBag(n *wallet.Notification, w *wallet.Wallet, unit string) map[string]string {
	bag := map[string]string{
		"walletId":   w.ID,
		"walletName": w.Name,
		"walletM":    strconv.Itoa(w.M),
		"walletN":    strconv.Itoa(w.N),
	}
	if c := w.CopayerByID(n.CreatorID); c != nil {
		bag["creatorName"] = c.Name
	}
	for k, v := range n.Data {
		bag[k] = stringify(v)
	}
	if sat, ok := asSatoshis(n.Data["amount"]); ok {
		bag["amount"] = wallet.FormatAmount(sat, unit) + " " + unit
	}
	if ids := stringList(n.Data["rejectedBy"]); len(ids) > 0 {
		names := make([]string, 0, len(ids))
		for _, id := range ids {
			if c := w.CopayerByID(id); c != nil {
				names = append(names, c.Name)
			}
		}
		bag["rejectorsNames"] = strings.Join(names, ", ")
	}
	return bag
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case []interface{}:
		return strings.Join(stringList(val), ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// asSatoshis reads an amount that may arrive as the original int64 or as a
// float64 after a JSON round trip.
func asSatoshis(v interface{}) (int64, bool) {
	switch a := v.(type) {
	case int64:
		return a, true
	case int:
		return int64(a), true
	case float64:
		return int64(a), true
	}
	return 0, false
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type pushRequest struct {
	Users   []string        `json:"users"`
	Android *androidPayload `json:"android,omitempty"`
	IOS     *iosPayload     `json:"ios,omitempty"`
}

type androidPayload struct {
	Data androidData `json:"data"`
}

type androidData struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

type iosPayload struct {
	Alert string `json:"alert"`
	Sound string `json:"sound"`
}

func (d *Dispatcher) post(ctx context.Context, req *pushRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("push server returned %s", resp.Status)
	}
	return nil
}
