package storage

import (
	"context"
	"io"
	"time"

	"github.com/cschleiden/go-taskrun/internal/metrickeys"
	"github.com/cschleiden/go-taskrun/internal/tracing"
	"github.com/cschleiden/go-taskrun/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type instrumented struct {
	s       Storage
	name    string
	tracer  trace.Tracer
	metrics metrics.Client
}

var _ Storage = (*instrumented)(nil)

// NewInstrumented wraps s so that every operation is traced and timed. name identifies the backend in
// spans and metric tags.
func NewInstrumented(s Storage, name string, opts ...Option) Storage {
	options := ApplyOptions(opts...)

	return &instrumented{
		s:       s,
		name:    name,
		tracer:  options.TracerProvider.Tracer(TracerName),
		metrics: options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: name}),
	}
}

func (i *instrumented) start(ctx context.Context, op, tenantID, uri string) (context.Context, trace.Span, func(err error)) {
	ctx, span := i.tracer.Start(ctx, "storage."+op, trace.WithAttributes(
		attribute.String(tracing.StorageBackend, i.name),
		attribute.String(tracing.TenantID, tenantID),
		attribute.String(tracing.StorageURI, uri),
	))

	timer := metrics.Timer(i.metrics, metrickeys.StorageOperation, metrics.Tags{metrickeys.Operation: op})

	return ctx, span, func(err error) {
		timer.StopWithError(err)

		if err != nil {
			i.metrics.Counter(metrickeys.StorageOperationError, metrics.Tags{metrickeys.Operation: op}, 1)
		}

		tracing.WithSpanError(span, err)
		span.End()
	}
}

func (i *instrumented) Get(ctx context.Context, tenantID string, uri string) (io.ReadCloser, error) {
	ctx, _, done := i.start(ctx, "get", tenantID, uri)
	r, err := i.s.Get(ctx, tenantID, uri)
	done(err)
	return r, err
}

func (i *instrumented) Exists(ctx context.Context, tenantID string, uri string) (bool, error) {
	ctx, _, done := i.start(ctx, "exists", tenantID, uri)
	ok, err := i.s.Exists(ctx, tenantID, uri)
	done(err)
	return ok, err
}

func (i *instrumented) List(ctx context.Context, tenantID string, uri string) ([]FileAttributes, error) {
	ctx, span, done := i.start(ctx, "list", tenantID, uri)
	r, err := i.s.List(ctx, tenantID, uri)
	span.SetAttributes(attribute.Int("storage.entries", len(r)))
	done(err)
	return r, err
}

func (i *instrumented) Size(ctx context.Context, tenantID string, uri string) (int64, error) {
	ctx, _, done := i.start(ctx, "size", tenantID, uri)
	r, err := i.s.Size(ctx, tenantID, uri)
	done(err)
	return r, err
}

func (i *instrumented) LastModifiedTime(ctx context.Context, tenantID string, uri string) (time.Time, error) {
	ctx, _, done := i.start(ctx, "lastModifiedTime", tenantID, uri)
	r, err := i.s.LastModifiedTime(ctx, tenantID, uri)
	done(err)
	return r, err
}

func (i *instrumented) Put(ctx context.Context, tenantID string, uri string, data io.Reader) (string, error) {
	ctx, span, done := i.start(ctx, "put", tenantID, uri)

	cr := &countingReader{r: data}
	r, err := i.s.Put(ctx, tenantID, uri, cr)
	if cerr := CloseReader(data); cerr != nil && err == nil {
		err = cerr
	}

	span.SetAttributes(attribute.Int64("storage.bytes", cr.n))
	if err == nil {
		i.metrics.Counter(metrickeys.StorageBytesWritten, metrics.Tags{}, float64(cr.n))
	}

	done(err)
	return r, err
}

func (i *instrumented) CreateDirectory(ctx context.Context, tenantID string, uri string) (string, error) {
	ctx, _, done := i.start(ctx, "createDirectory", tenantID, uri)
	r, err := i.s.CreateDirectory(ctx, tenantID, uri)
	done(err)
	return r, err
}

func (i *instrumented) GetAttributes(ctx context.Context, tenantID string, uri string) (FileAttributes, error) {
	ctx, _, done := i.start(ctx, "getAttributes", tenantID, uri)
	r, err := i.s.GetAttributes(ctx, tenantID, uri)
	done(err)
	return r, err
}

func (i *instrumented) Move(ctx context.Context, tenantID string, from, to string) (string, error) {
	ctx, span, done := i.start(ctx, "move", tenantID, from)
	span.SetAttributes(attribute.String("storage.uri.to", to))
	r, err := i.s.Move(ctx, tenantID, from, to)
	done(err)
	return r, err
}

func (i *instrumented) Delete(ctx context.Context, tenantID string, uri string) (bool, error) {
	ctx, span, done := i.start(ctx, "delete", tenantID, uri)
	r, err := i.s.Delete(ctx, tenantID, uri)
	span.SetAttributes(attribute.Bool("storage.deleted", r))
	done(err)
	return r, err
}

func (i *instrumented) DeleteByPrefix(ctx context.Context, tenantID string, prefix string) ([]string, error) {
	ctx, span, done := i.start(ctx, "deleteByPrefix", tenantID, prefix)
	r, err := i.s.DeleteByPrefix(ctx, tenantID, prefix)
	span.SetAttributes(attribute.Int("storage.entries", len(r)))
	done(err)
	return r, err
}

// countingReader hides the Close method of the wrapped reader so the wrapped backend does not close
// it; the decorator closes it once the backend returns.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
