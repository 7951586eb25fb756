// Package resolver derives the effective interaction spec for a mount from an ordered chain of
// sources: the host's primary configuration, a referenced JSON document, an inline JSON script and
// finally the host properties.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// Source names where a spec came from.
type Source string

// Sources in resolution order.
const (
	SourceNone       Source = ""
	SourcePrimary    Source = "primary"
	SourceFetch      Source = "fetch"
	SourceInline     Source = "inline"
	SourceProperties Source = "properties"
)

// Defaults.
const (
	DefaultStrategy   = "text-entry"
	ConfigHrefAttr    = "data-config-href"
	InlineSelector    = `script[type="application/json"]`
	maxPayloadBytes   = 1 << 20
	errorPreviewBytes = 4 << 10
)

// Options configure a Resolver.
type Options struct {
	// DefaultStrategy is used by the properties source when no strategy property is set.
	DefaultStrategy string
	// BaseURL resolves relative config references.
	BaseURL string
	// FetchAttempts bounds the fetch tries; values below one mean a single try.
	FetchAttempts int
	// FetchTimeout bounds each fetch try; zero means no timeout.
	FetchTimeout   time.Duration
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         observability.Logger
	Metrics        *telemetry.RuntimeMetrics
}

// Resolver walks the source chain. It is safe for concurrent use.
type Resolver struct {
	defaultStrategy string
	base            *url.URL
	attempts        int
	timeout         time.Duration
	initialBackoff  time.Duration
	client          *http.Client
	logger          observability.Logger
	metrics         *telemetry.RuntimeMetrics
}

// New constructs a resolver.
func New(opts Options) (*Resolver, error) {
	r := &Resolver{
		defaultStrategy: strings.TrimSpace(opts.DefaultStrategy),
		attempts:        opts.FetchAttempts,
		timeout:         opts.FetchTimeout,
		initialBackoff:  opts.InitialBackoff,
		client:          opts.HTTPClient,
		logger:          observability.OrDefault(opts.Logger),
		metrics:         opts.Metrics,
	}
	if r.defaultStrategy == "" {
		r.defaultStrategy = DefaultStrategy
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	if r.initialBackoff <= 0 {
		r.initialBackoff = 100 * time.Millisecond
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, errs.Configuration("invalid base url",
				errs.WithCause(err), errs.WithField("base_url", base))
		}
		r.base = parsed
	}
	return r, nil
}

// Resolve returns the first usable spec in source order. Failing sources are logged and skipped;
// an error is returned only when the chain is exhausted or ctx ends.
func (r *Resolver) Resolve(ctx context.Context, host *interaction.HostConfig, mount *dom.Element) (interaction.Spec, Source, error) {
	if host != nil && host.PrimaryConfiguration != nil {
		r.metrics.RecordResolution(string(SourcePrimary), telemetry.ResultSuccess)
		return r.finish(host.PrimaryConfiguration.Clone(), SourcePrimary)
	}

	if href := r.configHref(host, mount); href != "" {
		spec, err := r.fetch(ctx, href)
		if err == nil {
			r.metrics.RecordResolution(string(SourceFetch), telemetry.ResultSuccess)
			return r.finish(spec, SourceFetch)
		}
		r.metrics.RecordResolution(string(SourceFetch), telemetry.ResultFailure)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return interaction.Spec{}, SourceNone, errs.Configuration("resolution canceled",
				errs.WithCause(ctxErr))
		}
		r.logger.Warn("config fetch failed, falling back",
			observability.F("href", href), observability.Err(err))
	}

	if spec, ok := r.inline(mount); ok {
		r.metrics.RecordResolution(string(SourceInline), telemetry.ResultSuccess)
		return r.finish(spec, SourceInline)
	}

	if host != nil && host.Properties != nil {
		r.metrics.RecordResolution(string(SourceProperties), telemetry.ResultSuccess)
		return r.finish(r.fromProperties(host.Properties), SourceProperties)
	}

	r.metrics.RecordResolution(string(SourceNone), telemetry.ResultFailure)
	return interaction.Spec{}, SourceNone, errs.Configuration("no usable interaction spec",
		errs.WithRemediation("supply a primary configuration, a config reference, an inline JSON script or properties"))
}

func (r *Resolver) finish(spec interaction.Spec, source Source) (interaction.Spec, Source, error) {
	if !spec.Usable() {
		return interaction.Spec{}, source, errs.Configuration("resolved spec names no strategy",
			errs.WithField("source", string(source)))
	}
	r.logger.Debug("interaction spec resolved",
		observability.F("source", string(source)),
		observability.F("strategy", spec.Strategy))
	return spec, source, nil
}

func (r *Resolver) configHref(host *interaction.HostConfig, mount *dom.Element) string {
	if href := strings.TrimSpace(host.Property(interaction.PropertyConfigHref)); href != "" {
		return href
	}
	if mount == nil {
		return ""
	}
	return strings.TrimSpace(mount.GetAttribute(ConfigHrefAttr))
}

// inline reports a spec for any syntactically valid JSON object script. A spec that names no
// strategy is still taken, so finish rejects it instead of falling through to the properties.
func (r *Resolver) inline(mount *dom.Element) (interaction.Spec, bool) {
	if mount == nil {
		return interaction.Spec{}, false
	}
	script := mount.QuerySelector(InlineSelector)
	if script == nil {
		return interaction.Spec{}, false
	}
	spec, err := interaction.DecodeSpec([]byte(script.TextContent()))
	if err != nil {
		r.metrics.RecordResolution(string(SourceInline), telemetry.ResultFailure)
		r.logger.Warn("inline config invalid, falling back", observability.Err(err))
		return interaction.Spec{}, false
	}
	return spec, true
}

func (r *Resolver) fromProperties(props map[string]string) interaction.Spec {
	name := strings.TrimSpace(props[interaction.PropertyStrategy])
	if name == "" {
		name = r.defaultStrategy
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == interaction.PropertyStrategy {
			continue
		}
		out[k] = v
	}
	return interaction.Spec{Strategy: name, Props: out}
}

func (r *Resolver) fetch(ctx context.Context, href string) (interaction.Spec, error) {
	target, err := r.resolveURL(href)
	if err != nil {
		return interaction.Spec{}, err
	}
	started := time.Now()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		spec, err := r.fetchOnce(ctx, target)
		if err == nil {
			r.metrics.RecordFetch(time.Since(started), telemetry.ResultSuccess)
			return spec, nil
		}
		lastErr = err
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) || attempt == r.attempts || ctx.Err() != nil {
			break
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			r.metrics.RecordFetch(time.Since(started), telemetry.ResultFailure)
			return interaction.Spec{}, ctx.Err()
		case <-time.After(sleep):
		}
	}
	r.metrics.RecordFetch(time.Since(started), telemetry.ResultFailure)
	var permanent *backoff.PermanentError
	if errors.As(lastErr, &permanent) {
		return interaction.Spec{}, permanent.Unwrap()
	}
	return interaction.Spec{}, lastErr
}

func (r *Resolver) fetchOnce(ctx context.Context, target string) (interaction.Spec, error) {
	requestCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, nil)
	if err != nil {
		return interaction.Spec{}, backoff.Permanent(fmt.Errorf("create config request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return interaction.Spec{}, errs.New("resolver", errs.CodeNetwork,
			errs.WithMessage("request config"), errs.WithCause(err), errs.WithField("href", target))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorPreviewBytes))
		statusErr := errs.New("resolver", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("config status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))),
			errs.WithField("href", target))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return interaction.Spec{}, backoff.Permanent(statusErr)
		}
		return interaction.Spec{}, statusErr
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return interaction.Spec{}, fmt.Errorf("read config body: %w", err)
	}
	spec, err := interaction.DecodeSpec(raw)
	if err != nil {
		return interaction.Spec{}, backoff.Permanent(err)
	}
	if !spec.Usable() {
		return interaction.Spec{}, backoff.Permanent(errors.New("fetched config names no strategy"))
	}
	return spec, nil
}

func (r *Resolver) resolveURL(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse config href %q: %w", href, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if r.base == nil {
		return "", fmt.Errorf("relative config href %q without base url", href)
	}
	return r.base.ResolveReference(ref).String(), nil
}
