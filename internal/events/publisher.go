// Package events records security events and fans them out to the configured
// sinks. Publishing never fails the request that produced the event.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"accounts-service/internal/bucketing"
	"accounts-service/internal/models"
	"accounts-service/internal/util"
)

const defaultPublishTimeout = 2 * time.Second

type Publisher interface {
	Publish(ctx context.Context, event models.SecurityEvent) error
}

// Multi publishes to every sink concurrently and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event models.SecurityEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m {
		g.Go(func() error {
			return p.Publish(gctx, event)
		})
	}
	return g.Wait()
}

// LogPublisher writes events to the service log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e models.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.EventID),
		zap.String("event_type", e.EventType),
		zap.Time("event_time", e.EventTime),
	}
	if e.UserID != "" {
		fields = append(fields, util.UserID(e.UserID))
	}
	if e.Subject != "" {
		fields = append(fields, zap.String("subject", e.Subject))
	}
	if e.IPAddress != "" {
		fields = append(fields, zap.String("ip", e.IPAddress))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	util.Info("security event", fields...)
	return nil
}

type RecorderOption func(*Recorder)

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func WithTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

// Recorder stamps events and hands them to a Publisher.
type Recorder struct {
	publisher Publisher
	buckets   *bucketing.BucketingManager
	timeout   time.Duration
	now       func() time.Time
}

func NewRecorder(publisher Publisher, buckets *bucketing.BucketingManager, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		publisher: publisher,
		buckets:   buckets,
		timeout:   defaultPublishTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record publishes event with a bounded timeout. The caller's cancellation
// does not abort the publish. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, event models.SecurityEvent) {
	if r == nil || r.publisher == nil {
		return
	}
	r.stamp(&event)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.publisher.Publish(pctx, event); err != nil {
		util.Warn("Failed to publish security event",
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}
}

func (r *Recorder) stamp(e *models.SecurityEvent) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.EventTime.IsZero() {
		e.EventTime = r.now().UTC()
	}
	if e.EventDate == "" {
		e.EventDate = r.buckets.GetDateBucket(e.EventTime)
	}
	key := e.UserID
	if key == "" {
		key = e.Subject
	}
	if key == "" {
		key = e.EventID
	}
	e.EventBucket = r.buckets.GetEventBucket(key)
}

func wrapSink(sink string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", sink, err)
}
