package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/zgate-dev/zgate/internal/costs"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/observability"
	"github.com/zgate-dev/zgate/internal/router"
	"github.com/zgate-dev/zgate/internal/tracestore"
	"github.com/zgate-dev/zgate/pkg/anthropic"
	proxyerrors "github.com/zgate-dev/zgate/pkg/errors"
)

// Rate-limit markers surfaced on proxy-generated 429 responses.
const (
	headerRateLimit = "X-Proxy-Rate-Limit"
	headerTier      = "X-Proxy-Tier"

	markerModelExhausted       = "model_exhausted"
	markerAdmissionHoldTimeout = "admission_hold_timeout"
)

// Give-up reasons for the 429 cascade.
const (
	reasonMax429Attempts   = "max_429_attempts"
	reasonMax429Window     = "max_429_window"
	reasonMaxModelSwitches = "max_model_switches"
	reasonNoKeyAvailable   = "no_key_available"
)

// limitedRetryCap bounds retries of hangup, TLS and unclassified
// failures below the configured retry budget.
const limitedRetryCap = 2

// plain429RetryCap bounds same-request 429 retries when no model router
// is active and every retry hits the same account-wide limit.
const plain429RetryCap = 3

// capacityRetryDelay is the synthetic retry hint when the per-model
// concurrency gate bounces an attempt before any socket is opened.
const capacityRetryDelay = 250 * time.Millisecond

// statusClientClosedRequest marks disconnects on traces; no response is
// written by then.
const statusClientClosedRequest = 499

// requestState is the per-request retry loop state.
type requestState struct {
	features anthropic.Features
	body     []byte

	attempted    []string
	attemptedSet map[string]bool
	excludedKeys map[string]bool

	model      string
	tier       string
	useFresh   bool
	count429   int
	switches   int
	limited    int
	lastWas429 bool

	// loopStart anchors the 429 give-up window; admission holds shift
	// it forward so hold time does not count against the window.
	loopStart   time.Time
	headersSent bool
	failed      bool

	// Usage accounting for the export sinks, filled on success.
	keyID        string
	tenant       string
	inputTokens  int
	outputTokens int
	costUSD      float64

	// lastResp is the most recent classified upstream response,
	// replayed verbatim when retries run out.
	lastResp *attemptResult
}

func newRequestState(f anthropic.Features, body []byte, start time.Time) *requestState {
	return &requestState{
		features:     f,
		body:         body,
		attemptedSet: make(map[string]bool),
		excludedKeys: make(map[string]bool),
		model:        f.Model,
		loopStart:    start,
	}
}

func (st *requestState) noteAttempted(model string) {
	if model == "" || st.attemptedSet[model] {
		return
	}
	st.attemptedSet[model] = true
	st.attempted = append(st.attempted, model)
}

// proxyWithRetries drives the attempt loop until a response reached the
// client or the request is abandoned. Every exit path ends the trace
// and records the request outcome exactly once.
func (h *Handler) proxyWithRetries(ctx context.Context, w http.ResponseWriter, r *http.Request, tr *tracestore.Trace, st *requestState) {
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		canRetry := attempt < h.maxRetries

		if !h.admitTier(ctx, w, tr, st) {
			return
		}
		if !h.admitPoolCooldown(ctx, w, tr, st, attempt) {
			return
		}

		lease, err := h.pool.AcquireWaitExcluding(ctx, st.excludedKeys)
		if err != nil {
			if ctx.Err() != nil {
				h.finishDisconnect(tr, st)
				return
			}
			if !st.headersSent {
				h.writeJSONError(w, http.StatusServiceUnavailable, "All keys exhausted or circuits open", "")
			}
			h.fail(tr, st, http.StatusServiceUnavailable, reasonNoKeyAvailable)
			return
		}

		decision := h.router.SelectModel(ctx, st.features, router.SelectOptions{
			OverrideKey:     lease.KeyID(),
			AttemptedModels: st.attempted,
		})
		mapped := decision.TargetModel
		if mapped == "" {
			mapped = st.features.Model
		}
		if st.lastWas429 && st.attemptedSet[mapped] {
			h.collector.RecordSameModelRetry()
		}
		if st.model != "" && mapped != "" && mapped != st.model {
			st.switches++
		}
		st.model = mapped
		st.tier = string(decision.Tier)
		tr.MappedModel = mapped
		tr.KeyIndex = lease.Index()

		attemptBody := st.body
		if mapped != "" && mapped != st.features.Model {
			nb, serr := anthropic.SubstituteModel(st.body, mapped)
			if serr != nil {
				h.logger.Warn("model substitution failed, forwarding original body",
					"model", mapped, "error", serr)
			} else {
				attemptBody = nb
			}
		}

		modelHeld := false
		if h.router.Enabled() && mapped != "" {
			if acqErr := h.router.AcquireModel(mapped); acqErr != nil {
				lease.Release(keypool.Aborted())
				att := tr.StartAttempt()
				pe := proxyerrors.NewModelAtCapacityError(mapped, capacityRetryDelay)
				if !canRetry {
					att.End(pe.Kind, false)
					h.respondError(w, tr, st, pe)
					return
				}
				att.End(pe.Kind, true)
				if !h.pauseBeforeRetry(ctx, tr, st, attempt, pe.RetryAfter, pe.Kind) {
					return
				}
				continue
			}
			modelHeld = true
		}

		att := tr.StartAttempt()
		spanCtx, span := observability.StartAttemptSpan(ctx, h.tracer, observability.AttemptSpanAttributes{
			Model:   mapped,
			Tier:    st.tier,
			KeyID:   lease.KeyID(),
			Attempt: attempt,
			Stream:  st.features.Stream,
		})

		res := h.upstream.do(spanCtx, w, attemptParams{
			Body:       attemptBody,
			Header:     r.Header,
			Method:     r.Method,
			PathQuery:  r.URL.RequestURI(),
			Model:      mapped,
			Stream:     st.features.Stream,
			Fresh:      st.useFresh,
			Credential: lease.Credential(),
		})
		st.useFresh = false
		if modelHeld {
			h.router.ReleaseModel(mapped)
		}
		if res.HeadersSent {
			st.headersSent = true
		}
		h.collector.RecordUpstreamAttempt(mapped, res.Latency)

		if res.Err == nil {
			outcome := "success"
			if res.Truncated {
				outcome = "pass_through_response_started"
			}
			observability.RecordAttemptOutcome(span, outcome, res.StatusCode)
			if res.UsageFound {
				observability.RecordUsage(span, res.Usage.InputTokens, res.Usage.OutputTokens)
			}
			span.End()
			att.End("", false)
			keyID := lease.KeyID()
			lease.Release(keypool.Success(res.Latency))
			h.finishSuccess(tr, st, &res, keyID)
			return
		}

		pe := res.Err
		observability.RecordError(span, pe)
		observability.RecordAttemptOutcome(span, pe.Kind, res.RespStatus)
		span.End()
		if res.RespStatus > 0 {
			st.lastResp = &res
		}

		switch pe.Kind {
		case proxyerrors.KindClientDisconnect:
			att.End(pe.Kind, false)
			lease.Release(keypool.Aborted())
			h.finishDisconnect(tr, st)
			return

		case proxyerrors.KindRateLimited:
			if h.handleRateLimit(ctx, w, tr, st, att, lease, pe, &res, attempt, canRetry) {
				return
			}

		default:
			keyID := lease.KeyID()
			lease.Release(keypool.Failure(pe.Kind, res.Latency))
			if pe.ExcludeKey {
				st.excludedKeys[keyID] = true
			}
			if pe.FreshConnection {
				st.useFresh = true
			}

			retryable := pe.Retryable
			if pe.LimitedRetry {
				st.limited++
				if st.limited > limitedRetryCap {
					retryable = false
				}
			}
			// A key-excluding failure with no keys left to switch to
			// cannot be retried usefully.
			if retryable && pe.ExcludeKey && len(st.excludedKeys) >= h.pool.Len() {
				retryable = false
			}

			if !retryable || !canRetry {
				att.End(pe.Kind, false)
				h.respondError(w, tr, st, pe)
				return
			}
			att.End(pe.Kind, true)
			st.lastWas429 = false
			if !h.pauseBeforeRetry(ctx, tr, st, attempt, pe.RetryAfter, pe.Kind) {
				return
			}
		}
	}
}

// handleRateLimit absorbs an upstream 429: pool cooldown bookkeeping,
// account-level detection, router cooldown with burst dampening, and
// the give-up cascade. Reports true when the request is finished.
func (h *Handler) handleRateLimit(ctx context.Context, w http.ResponseWriter, tr *tracestore.Trace, st *requestState, att *tracestore.Attempt, lease *keypool.Lease, pe *proxyerrors.ProxyError, res *attemptResult, attempt int, canRetry bool) bool {
	st.count429++
	st.lastWas429 = true
	st.noteAttempted(st.model)

	ev := keypool.RateLimitEvidence{
		RetryAfter:  pe.RetryAfter,
		Scope:       res.RespHeader.Get("X-Ratelimit-Scope"),
		BodySnippet: bodySnippet(res.RespBody),
	}
	hit := h.pool.RecordRateLimitHit(keypool.RateLimitHit{
		Model:      st.model,
		RetryAfter: pe.RetryAfter,
		Base:       h.poolCooldown.Base,
		Cap:        h.poolCooldown.Cap,
	})
	h.collector.RecordPool429()
	account := h.pool.DetectAccountRateLimit(st.model, ev)
	keyID := lease.KeyID()
	lease.Release(keypool.RateLimited(pe.RetryAfter, ev))

	if account.IsAccountLevel {
		h.logger.Warn("account-level rate limit detected",
			"model", st.model,
			"cooldown", account.Cooldown,
		)
	}

	delay := h.backoff.Delay(attempt, pe.RetryAfter)

	if h.router.Enabled() {
		// The upstream throttles per account, so the key is blameless:
		// cool the model instead and let the router fail over.
		out := h.router.ApplyRateLimit(ctx, st.model, hit.Cooldown, delay)
		if out.Dampened {
			h.logger.Debug("burst-dampened model cooldown",
				"model", st.model,
				"count_429", out.Count429,
				"cooldown", out.Cooldown,
			)
		}

		reason := ""
		switch {
		case st.count429 >= h.failover.Max429AttemptsPerRequest:
			reason = reasonMax429Attempts
		case h.failover.Max429RetryWindow > 0 && h.nowFunc().Sub(st.loopStart) >= h.failover.Max429RetryWindow:
			reason = reasonMax429Window
		case h.failover.MaxModelSwitchesPerRequest > 0 && st.switches >= h.failover.MaxModelSwitchesPerRequest:
			reason = reasonMaxModelSwitches
		}
		if reason != "" {
			att.End(pe.Kind, false)
			h.giveUp(w, tr, st, reason, hit.Cooldown)
			return true
		}
	} else {
		st.excludedKeys[keyID] = true
		if st.count429 >= plain429RetryCap || len(st.excludedKeys) >= h.pool.Len() {
			att.End(pe.Kind, false)
			h.respondError(w, tr, st, pe)
			return true
		}
	}

	if !canRetry {
		att.End(pe.Kind, false)
		h.respondError(w, tr, st, pe)
		return true
	}

	att.End(pe.Kind, true)
	h.collector.RecordRetry(st.model, st.tier, pe.Kind)
	if delay > 0 {
		h.collector.RecordRetryBackoff(delay)
		if !sleepCtx(ctx, delay) {
			h.finishDisconnect(tr, st)
			return true
		}
	}
	return false
}

// admitTier runs the tier admission hold. Reports false when the
// request was finished here.
func (h *Handler) admitTier(ctx context.Context, w http.ResponseWriter, tr *tracestore.Trace, st *requestState) bool {
	if h.admission == nil || !h.router.Enabled() {
		return true
	}
	hold, ok := h.router.PeekAdmissionHold(st.features)
	if !ok || !h.admission.ShouldHold(hold) {
		return true
	}

	held, outcome := h.admission.Hold(ctx, hold.MinCooldown)
	st.loopStart = st.loopStart.Add(held)
	switch outcome {
	case holdRejected:
		// At the hold cap: proceed and take the 429 naturally.
		metrics.AdmissionHoldOutcomes.WithLabelValues(holdRejected).Inc()
		return true
	case holdDisconnect:
		metrics.AdmissionHoldOutcomes.WithLabelValues(holdDisconnect).Inc()
		h.finishDisconnect(tr, st)
		return false
	}

	if again, stillHeld := h.router.PeekAdmissionHold(st.features); stillHeld && again.AllCooled {
		metrics.AdmissionHoldOutcomes.WithLabelValues(holdTimeout).Inc()
		if !st.headersSent {
			w.Header().Set(headerRateLimit, markerAdmissionHoldTimeout)
			w.Header().Set(headerTier, string(hold.Tier))
			if again.MinCooldown > 0 {
				w.Header().Set("Retry-After", retryAfterSeconds(again.MinCooldown))
			}
			h.writeJSONError(w, http.StatusTooManyRequests, "tier cooled beyond admission hold", proxyerrors.KindAdmissionHoldTimeout)
		}
		h.fail(tr, st, http.StatusTooManyRequests, proxyerrors.KindAdmissionHoldTimeout)
		return false
	}
	metrics.AdmissionHoldOutcomes.WithLabelValues(holdProceed).Inc()
	return true
}

// admitPoolCooldown applies the pool-wide 429 cooldown at admission.
// With the router active the request always proceeds; the router routes
// around cooled models itself.
func (h *Handler) admitPoolCooldown(ctx context.Context, w http.ResponseWriter, tr *tracestore.Trace, st *requestState, attempt int) bool {
	if h.router.Enabled() {
		return true
	}
	remaining := h.pool.CooldownRemaining()
	if remaining <= 0 {
		return true
	}
	if remaining <= h.poolCooldown.SleepThreshold {
		if !sleepCtx(ctx, remaining) {
			h.finishDisconnect(tr, st)
			return false
		}
		return true
	}
	if attempt > 0 {
		// Mid-retry the backoff already paced us; do not bounce a
		// request we have invested attempts in.
		return true
	}
	w.Header().Set("Retry-After", retryAfterSeconds(remaining))
	h.writeJSONError(w, http.StatusTooManyRequests, "upstream rate limited, key pool cooling down", proxyerrors.KindRateLimited)
	h.fail(tr, st, http.StatusTooManyRequests, proxyerrors.KindRateLimited)
	return false
}

// pauseBeforeRetry books the retry and sleeps the backoff. Reports
// false when the client went away mid-sleep.
func (h *Handler) pauseBeforeRetry(ctx context.Context, tr *tracestore.Trace, st *requestState, attempt int, retryAfter time.Duration, outcome string) bool {
	h.collector.RecordRetry(st.model, st.tier, outcome)
	delay := h.backoff.Delay(attempt, retryAfter)
	if delay > 0 {
		h.collector.RecordRetryBackoff(delay)
		if !sleepCtx(ctx, delay) {
			h.finishDisconnect(tr, st)
			return false
		}
	}
	return true
}

// giveUp abandons the 429 cascade and surfaces the exhaustion marker.
func (h *Handler) giveUp(w http.ResponseWriter, tr *tracestore.Trace, st *requestState, reason string, cooldown time.Duration) {
	h.collector.RecordGiveUp(reason)
	h.collector.RecordFailedRequestModelStats(len(st.attempted), st.switches)
	if !st.headersSent {
		w.Header().Set(headerRateLimit, markerModelExhausted)
		if cooldown > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(cooldown))
		}
		h.writeJSONError(w, http.StatusTooManyRequests, "all models exhausted by upstream rate limits", proxyerrors.KindRateLimited)
	}
	h.fail(tr, st, http.StatusTooManyRequests, reason)
}

// respondError surfaces a terminal attempt failure: captured upstream
// responses replay verbatim, transport-level failures become the JSON
// error envelope.
func (h *Handler) respondError(w http.ResponseWriter, tr *tracestore.Trace, st *requestState, pe *proxyerrors.ProxyError) {
	status := pe.HTTPStatusCode()
	if !st.headersSent {
		if st.lastResp != nil && st.lastResp.RespStatus > 0 {
			status = st.lastResp.RespStatus
			replayResponse(w, st.lastResp.RespStatus, st.lastResp.RespHeader, st.lastResp.RespBody)
			st.headersSent = true
		} else {
			if pe.StatusCode == 0 {
				status = http.StatusBadGateway
			}
			h.writeJSONError(w, status, pe.Message, pe.Kind)
		}
	}
	h.fail(tr, st, status, pe.Kind)
}

// finishSuccess closes out a request whose response reached the client.
func (h *Handler) finishSuccess(tr *tracestore.Trace, st *requestState, res *attemptResult, keyID string) {
	in, out := res.Usage.InputTokens, res.Usage.OutputTokens
	h.collector.RecordClientRequestSuccess(st.model, st.tier, h.nowFunc().Sub(tr.StartedAt), in, out)
	st.keyID = keyID
	st.inputTokens = in
	st.outputTokens = out
	if res.UsageFound && h.tracker != nil {
		if rec, ok := h.tracker.RecordUsage(costs.UsageRecord{
			KeyID:        keyID,
			TenantID:     st.tenant,
			Model:        st.model,
			InputTokens:  float64(in),
			OutputTokens: float64(out),
		}); ok {
			h.collector.RecordSpend(st.model, rec.Cost)
			st.costUSD = rec.Cost
		}
	}
	tr.End(res.StatusCode, "")
}

func (h *Handler) finishDisconnect(tr *tracestore.Trace, st *requestState) {
	h.fail(tr, st, statusClientClosedRequest, proxyerrors.KindClientDisconnect)
}

// fail records the request failure exactly once and ends the trace.
func (h *Handler) fail(tr *tracestore.Trace, st *requestState, status int, reason string) {
	if st.failed {
		return
	}
	st.failed = true
	h.collector.RecordClientRequestFailure(st.model, st.tier, reason)
	tr.End(status, reason)
}

// retryAfterSeconds renders a Retry-After value, rounding up so clients
// never come back early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// bodySnippet bounds an upstream error body for rate-limit evidence.
func bodySnippet(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
