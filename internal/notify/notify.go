// Package notify hands collaborator side effects (recipient emails, operator
// alerts, financial statistics) to the worker pool so callers never wait on them.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/propertypay/internal/config"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	"github.com/smallbiznis/propertypay/internal/providers/email"
	"github.com/smallbiznis/propertypay/internal/providers/slack"
	"github.com/smallbiznis/propertypay/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	email.Module,
	slack.Module,
	fx.Provide(New),
)

const sendTimeout = 15 * time.Second

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Pool       *worker.Pool
	Email      email.Provider
	Slack      slack.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Notifier struct {
	log          *zap.Logger
	pool         *worker.Pool
	email        email.Provider
	slack        slack.Provider
	alertChannel string
	obsMetrics   *obsmetrics.Metrics
}

func New(p Params) *Notifier {
	return &Notifier{
		log:          p.Log.Named("notify"),
		pool:         p.Pool,
		email:        p.Email,
		slack:        p.Slack,
		alertChannel: p.Cfg.Notify.SlackChannel,
		obsMetrics:   p.ObsMetrics,
	}
}

// Message is a templated email to one recipient.
type Message struct {
	To       string
	Template string
	Data     map[string]any
}

// NotifyRecipient queues an email. Messages without an address are skipped.
func (n *Notifier) NotifyRecipient(ctx context.Context, msg Message) {
	if n == nil || strings.TrimSpace(msg.To) == "" {
		return
	}
	accepted := n.pool.Submit(worker.Task{
		Name:    "notify.email." + msg.Template,
		Timeout: sendTimeout,
		Run: func(ctx context.Context) error {
			return n.email.SendTemplate(ctx, []string{msg.To}, msg.Template, msg.Data)
		},
	})
	if !accepted {
		n.log.Warn("recipient notification dropped", zap.String("template", msg.Template))
	}
}

// Alert pages operators. The alert is always logged at error level; the slack
// post is best effort.
func (n *Notifier) Alert(ctx context.Context, message string, fields ...zap.Field) {
	if n == nil {
		return
	}
	n.log.Error(message, fields...)
	if n.alertChannel == "" {
		return
	}
	text := formatAlert(message, fields)
	n.pool.Submit(worker.Task{
		Name:    "notify.alert",
		Timeout: sendTimeout,
		Run: func(ctx context.Context) error {
			return n.slack.PostMessage(ctx, n.alertChannel, text)
		},
	})
}

// Statistic is one financial fact reported to the statistics collaborator.
type Statistic struct {
	Kind       string
	ContractID string
	Currency   string
	Amount     int64
	Status     string
}

// RecordStatistic emits the counter synchronously; it never touches the network.
func (n *Notifier) RecordStatistic(ctx context.Context, stat Statistic) {
	if n == nil {
		return
	}
	n.obsMetrics.RecordSettlement(ctx, stat.Currency, stat.Status, stat.Amount)
	n.log.Info("financial statistic",
		zap.String("kind", stat.Kind),
		zap.String("contract_id", stat.ContractID),
		zap.String("currency", stat.Currency),
		zap.Int64("amount", stat.Amount),
		zap.String("status", stat.Status),
	)
}

func formatAlert(message string, fields []zap.Field) string {
	var b strings.Builder
	b.WriteString(":rotating_light: ")
	b.WriteString(message)
	for _, f := range fields {
		switch {
		case f.String != "":
			fmt.Fprintf(&b, "\n• %s: %s", f.Key, f.String)
		case f.Interface != nil:
			fmt.Fprintf(&b, "\n• %s: %v", f.Key, f.Interface)
		default:
			fmt.Fprintf(&b, "\n• %s: %d", f.Key, f.Integer)
		}
	}
	return b.String()
}
