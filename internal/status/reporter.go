// Package status reports the relay's health to an operator destination: a
// startup notice, a scheduled metrics report and per-event error alerts.
package status

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"intelrelay/internal/connection"
	"intelrelay/internal/dispatch"
	"intelrelay/internal/notifier"
	"intelrelay/internal/textutil"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

const DefaultSchedule = "@every 4h"

type Config struct {
	// Destination receives reports. Empty disables the reporter.
	Destination transport.Destination
	// Schedule is a cron spec or descriptor ("@every 4h", "0 */6 * * *").
	Schedule string
	Timezone string
	// ErrorAlerts sends one alert per failed unit.
	ErrorAlerts bool
	// TopSources caps the per-source lines in the periodic report.
	TopSources int
}

// Notifier is the async delivery path.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type Option func(*Reporter)

func WithLogger(log logx.Logger) Option { return func(r *Reporter) { r.log = log } }

// WithConnectionInfo adds link state to periodic reports.
func WithConnectionInfo(fn func() connection.Info) Option { return func(r *Reporter) { r.conn = fn } }

func WithClock(now func() time.Time) Option { return func(r *Reporter) { r.now = now } }

type Reporter struct {
	cfg     Config
	notify  Notifier
	metrics func() dispatch.Snapshot
	conn    func() connection.Info
	log     logx.Logger
	now     func() time.Time
	sched   cron.Schedule
	loc     *time.Location
	started time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, notify Notifier, metrics func() dispatch.Snapshot, opts ...Option) (*Reporter, error) {
	if cfg.TopSources <= 0 {
		cfg.TopSources = 5
	}
	cfg.Schedule = scheduleOrDefault(cfg.Schedule)
	sched, loc, err := parseTiming(cfg)
	if err != nil {
		return nil, err
	}
	r := &Reporter{cfg: cfg, notify: notify, metrics: metrics, sched: sched, loc: loc, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "status"))
	r.started = r.now()
	if !r.Enabled() {
		r.log.Info("status reporting disabled (no destination)")
	}
	return r, nil
}

// Validate reports a schedule or timezone New would reject.
func Validate(cfg Config) error {
	cfg.Schedule = scheduleOrDefault(cfg.Schedule)
	_, _, err := parseTiming(cfg)
	return err
}

func scheduleOrDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return DefaultSchedule
	}
	return s
}

func parseTiming(cfg Config) (cron.Schedule, *time.Location, error) {
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, nil, fmt.Errorf("status schedule %q: %w", cfg.Schedule, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, nil, fmt.Errorf("status timezone %q: %w", tz, err)
		}
	}
	return sched, loc, nil
}

func (r *Reporter) Enabled() bool { return r != nil && r.cfg.Destination != "" && r.notify != nil }

// Run fires the periodic report on the schedule until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.Enabled() {
		<-ctx.Done()
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(r.loc))
	c.Schedule(r.sched, cron.FuncJob(func() { r.Periodic(ctx) }))
	c.Start()
	r.log.Info("periodic status scheduled", logx.String("schedule", r.cfg.Schedule), logx.Time("next", r.sched.Next(r.now())))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Startup announces that the relay is up.
func (r *Reporter) Startup(ctx context.Context, monitored int, as transport.Identity) {
	var b strings.Builder
	b.WriteString("🟢 <b>Relay started</b>\n\n")
	fmt.Fprintf(&b, "<b>Time:</b> %s\n", r.stamp())
	fmt.Fprintf(&b, "<b>Account:</b> %s\n", html.EscapeString(as.String()))
	fmt.Fprintf(&b, "<b>Monitoring:</b> %d sources\n", monitored)
	fmt.Fprintf(&b, "<b>Next report:</b> %s", r.sched.Next(r.now()).In(r.loc).Format("2006-01-02 15:04 MST"))
	r.send(ctx, "startup", notifier.PriorityInfo, b.String())
}

// Periodic sends the metrics report.
func (r *Reporter) Periodic(ctx context.Context) {
	r.send(ctx, "status", notifier.PriorityInfo, r.Report())
}

// Report renders the current metrics.
func (r *Reporter) Report() string {
	now := r.now()
	snap := dispatch.Snapshot{}
	if r.metrics != nil {
		snap = r.metrics()
	}
	var b strings.Builder
	b.WriteString("📊 <b>Status report</b>\n\n")
	fmt.Fprintf(&b, "<b>Time:</b> %s\n", r.stamp())
	fmt.Fprintf(&b, "<b>Uptime:</b> %s (up since %s)\n", Uptime(now.Sub(r.started)), humanize.RelTime(r.started, now, "ago", "from now"))
	if r.conn != nil {
		info := r.conn()
		fmt.Fprintf(&b, "<b>Link:</b> %s, %d connects, %d drops\n", info.State, info.Connects, info.Disconnects)
	}
	b.WriteString("\n<b>Events</b>\n")
	fmt.Fprintf(&b, "• received: %s (filtered %s)\n", humanize.Comma(int64(snap.Received)), humanize.Comma(int64(snap.Filtered)))
	fmt.Fprintf(&b, "• forwarded: %s, skipped: %s\n", humanize.Comma(int64(snap.Succeeded)), humanize.Comma(int64(snap.Skipped)))
	fmt.Fprintf(&b, "• failed: %s, in flight: %d\n", humanize.Comma(int64(snap.Failed)), snap.InFlight)
	if done := snap.Succeeded + snap.Skipped + snap.Failed; done > 0 {
		fmt.Fprintf(&b, "• success rate: %.1f%%\n", snap.SuccessRate())
	}

	lines := 0
	for _, sc := range snap.PerSource {
		if sc.Received == sc.Filtered {
			continue
		}
		if lines == 0 {
			b.WriteString("\n<b>Sources</b>\n")
		}
		if lines == r.cfg.TopSources {
			b.WriteString("• …\n")
			break
		}
		fmt.Fprintf(&b, "• %s: %d ok, %d skipped, %d failed\n", html.EscapeString(string(sc.Source)), sc.Succeeded, sc.Skipped, sc.Failed)
		lines++
	}
	return strings.TrimRight(b.String(), "\n")
}

// OnResult alerts on failed units. It is a dispatch.WithOnResult hook.
func (r *Reporter) OnResult(res dispatch.Result) {
	if !r.cfg.ErrorAlerts || res.Outcome != dispatch.OutcomeFailed {
		return
	}
	kind := "processing error"
	if res.Panicked {
		kind = "panic"
	}
	var b strings.Builder
	b.WriteString("<b>Error alert</b>\n\n")
	fmt.Fprintf(&b, "<b>Time:</b> %s\n", r.stamp())
	fmt.Fprintf(&b, "<b>Type:</b> %s\n", kind)
	if res.Err != nil {
		fmt.Fprintf(&b, "<b>Error:</b> %s\n", html.EscapeString(textutil.Truncate(textutil.OneLine(res.Err.Error()), 300, "…")))
	}
	b.WriteString("\n<b>Context</b>\n")
	fmt.Fprintf(&b, "• source: %s\n", html.EscapeString(res.Event.DisplayName()))
	fmt.Fprintf(&b, "• message: %d\n", res.Event.MessageID)
	if link := res.Event.Link(); link != "" {
		fmt.Fprintf(&b, "• link: %s\n", html.EscapeString(link))
	}
	fmt.Fprintf(&b, "• event: <code>%s</code>\n", html.EscapeString(res.Event.ID))
	b.WriteString("\nThe relay keeps running.")

	// Alerts come from unit goroutines; do not tie them to the unit context.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.send(ctx, "alert", notifier.PriorityAlert, b.String())
}

func (r *Reporter) send(ctx context.Context, kind string, p notifier.Priority, text string) {
	if !r.Enabled() {
		return
	}
	err := r.notify.Notify(ctx, notifier.Notification{
		Kind:      kind,
		To:        r.cfg.Destination,
		Priority:  p,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		r.log.Warn("status notification not queued", logx.String("kind", kind), logx.Err(err))
	}
}

func (r *Reporter) stamp() string {
	return r.now().In(r.loc).Format("2006-01-02 15:04:05 MST")
}

// Uptime formats d as "2d 5h 30m".
func Uptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	mins := int(d % time.Hour / time.Minute)
	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	parts = append(parts, fmt.Sprintf("%dm", mins))
	return strings.Join(parts, " ")
}
