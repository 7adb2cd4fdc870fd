// Package notify sends operator digests to chat platforms (Slack, Discord).
package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// Sidebar colors.
const (
	ColorInfo    = "#439fe0"
	ColorWarning = "#daa038"
)

// Notifier delivers a message to one chat destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Message is a platform-neutral chat message.
type Message struct {
	Title  string
	Body   string
	Color  string  // sidebar color hint, e.g. "#36a64f"
	Fields []Field // key-value metadata pairs
}

// Field is a key-value pair displayed alongside a message.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Digest is a point-in-time summary of work waiting on operators.
type Digest struct {
	GeneratedAt       time.Time
	PendingIncentives int
	PendingTotal      decimal.Decimal
	AnalysisBacklog   int64
	AnalysisFailed    int64
	UndeliveredEvents int64
}

// Empty reports whether there is nothing worth sending.
func (d Digest) Empty() bool {
	return d.PendingIncentives == 0 && d.AnalysisBacklog == 0 && d.AnalysisFailed == 0
}

// BuildDigest gathers pending incentives and the analysis backlog. Returns
// nil when there is nothing to report.
func BuildDigest(ctx context.Context, s *store.Store, now time.Time) (*Digest, error) {
	pending, err := s.Incentives().ListByStatus(ctx, models.IncentivePending)
	if err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}
	d := Digest{GeneratedAt: now, PendingIncentives: len(pending), PendingTotal: decimal.Zero}
	for _, inc := range pending {
		d.PendingTotal = d.PendingTotal.Add(inc.Amount)
	}
	if d.AnalysisBacklog, err = s.AnalysisJobs().CountPending(ctx); err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}
	if d.AnalysisFailed, err = s.AnalysisJobs().CountFailed(ctx); err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}
	if d.UndeliveredEvents, err = s.Outbox().CountPending(ctx); err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}
	if d.Empty() {
		return nil, nil
	}
	return &d, nil
}

// FormatDigest renders a digest as a chat message.
func FormatDigest(d Digest) Message {
	color := ColorInfo
	if d.AnalysisFailed > 0 {
		color = ColorWarning
	}
	return Message{
		Title: "Panel digest " + d.GeneratedAt.Format("2006-01-02"),
		Body: fmt.Sprintf("%d incentives awaiting payment (%s), %d transcripts waiting for analysis.",
			d.PendingIncentives, d.PendingTotal.StringFixed(2), d.AnalysisBacklog),
		Color: color,
		Fields: []Field{
			{Name: "Pending incentives", Value: strconv.Itoa(d.PendingIncentives), Short: true},
			{Name: "Pending total", Value: d.PendingTotal.StringFixed(2), Short: true},
			{Name: "Analysis backlog", Value: strconv.FormatInt(d.AnalysisBacklog, 10), Short: true},
			{Name: "Analysis failed", Value: strconv.FormatInt(d.AnalysisFailed, 10), Short: true},
			{Name: "Undelivered events", Value: strconv.FormatInt(d.UndeliveredEvents, 10), Short: true},
		},
	}
}

// Broadcast sends msg to every notifier. Failures are logged, never
// returned; the count of successful sends is.
func Broadcast(ctx context.Context, notifiers []Notifier, msg Message) int {
	sent := 0
	for _, n := range notifiers {
		if err := n.Send(ctx, msg); err != nil {
			log.Printf("notify: %s: %v", n.Name(), err)
			continue
		}
		sent++
	}
	return sent
}

// SendDigest builds the digest and broadcasts it. It reports whether a
// digest was produced.
func SendDigest(ctx context.Context, s *store.Store, notifiers []Notifier) (bool, error) {
	d, err := BuildDigest(ctx, s, time.Now())
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	Broadcast(ctx, notifiers, FormatDigest(*d))
	return true, nil
}
