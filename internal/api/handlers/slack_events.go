package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"bagbot/internal/core"
	"bagbot/internal/external"
	"bagbot/internal/onboarding"
	"bagbot/internal/types"
)

const (
	maxSlackBodySize = 1 << 20 // 1 MB

	// defaultSignatureTolerance is Slack's documented replay window.
	defaultSignatureTolerance = 5 * time.Minute

	// defaultEventWorkTimeout bounds the asynchronous work started by one event.
	defaultEventWorkTimeout = 2 * time.Minute

	slackSignatureVersion = "v0"
)

// mentionPattern matches a Slack user mention such as <@U024BE7LH> or
// <@U024BE7LH|alice>.
var mentionPattern = regexp.MustCompile(`^<@([UW][A-Z0-9]+)(?:\|[^>]*)?>$`)

// Onboarder is the part of the onboarding driver the events endpoint needs.
type Onboarder interface {
	Welcomer
	HandleEvent(ctx context.Context, userID string) (onboarding.Action, error)
}

// SlackEventsConfig configures the events endpoint. CommandPrefix is the first
// word of the onboard command. CommandPasswordHash is a bcrypt hash; when it
// is empty the command is disabled.
type SlackEventsConfig struct {
	SigningSecret       types.SecretString
	CommandPrefix       string
	CommandPasswordHash types.SecretString
	Tolerance           time.Duration
	WorkTimeout         time.Duration
}

// SlackEventsHandler serves the Slack Events API. Requests are acknowledged as
// soon as the signature is verified and the onboarding work runs in the
// background.
type SlackEventsHandler struct {
	onboarder Onboarder
	messenger external.Messenger
	cfg       SlackEventsConfig
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// NewSlackEventsHandler creates a SlackEventsHandler.
func NewSlackEventsHandler(o Onboarder, m external.Messenger, cfg SlackEventsConfig, l *slog.Logger) *SlackEventsHandler {
	if l == nil {
		l = slog.Default()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultSignatureTolerance
	}
	if cfg.WorkTimeout <= 0 {
		cfg.WorkTimeout = defaultEventWorkTimeout
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "onboard"
	}
	return &SlackEventsHandler{
		onboarder: o,
		messenger: m,
		cfg:       cfg,
		logger:    l,
		now:       time.Now,
	}
}

// RegisterRoutes mounts POST /slack/events.
func (h *SlackEventsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/slack/events", h.Handle)
}

// Wait blocks until all background work started by events has finished or
// ctx is done.
func (h *SlackEventsHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slackEnvelope is the outer Events API payload.
type slackEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	EventID   string          `json:"event_id"`
	Event     json.RawMessage `json:"event"`
}

// slackEvent holds the inner event fields used here. User is a string for
// message events and an object for team_join.
type slackEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	User    json.RawMessage `json:"user"`
	BotID   string          `json:"bot_id"`
	Text    string          `json:"text"`
	Channel string          `json:"channel"`
}

// Handle processes one Events API request:
//
//  1. Verifies X-Slack-Signature over the raw body.
//  2. Answers url_verification with the challenge.
//  3. Acknowledges event_callback with 200 and dispatches the event.
func (h *SlackEventsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSlackBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "failed to read request body", err))
		return
	}

	if err := h.verifySignature(r.Header, payload); err != nil {
		h.logger.WarnContext(r.Context(), "slack signature rejected", "error", err)
		core.Error(w, r, err)
		return
	}

	var env slackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "malformed event payload", err))
		return
	}

	switch env.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(env.Challenge))
		return
	case "event_callback":
	default:
		h.logger.DebugContext(r.Context(), "ignoring slack payload", "type", env.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Slack redelivers when an ack is late. The first delivery already
	// started the work.
	if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
		h.logger.InfoContext(r.Context(), "skipping slack retry",
			"event_id", env.EventID,
			"retry_num", retry,
			"retry_reason", r.Header.Get("X-Slack-Retry-Reason"),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	var ev slackEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "malformed event", err))
		return
	}

	w.WriteHeader(http.StatusOK)
	h.dispatch(r.Context(), env.EventID, ev)
}

// verifySignature checks the v0 signing scheme:
// hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
func (h *SlackEventsHandler) verifySignature(header http.Header, body []byte) error {
	sig := header.Get("X-Slack-Signature")
	tsRaw := header.Get("X-Slack-Request-Timestamp")
	if sig == "" || tsRaw == "" {
		return types.NewAppError(types.ErrCodeValidationSignature, "missing slack signature headers", nil)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationSignature, "invalid slack request timestamp", err)
	}
	age := h.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > h.cfg.Tolerance {
		return types.NewAppError(types.ErrCodeAuthSignatureStale, "slack request timestamp outside tolerance", nil)
	}

	expected := slackSignatureVersion + "=" + computeHMAC(
		slackSignatureVersion+":"+tsRaw+":"+string(body),
		h.cfg.SigningSecret.Unmask(),
	)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return types.NewAppError(types.ErrCodeValidationSignature, "slack signature mismatch", nil)
	}
	return nil
}

// computeHMAC returns the lowercase hex HMAC-SHA256 of content under key.
func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}

// dispatch runs the event's work on a context detached from the request.
func (h *SlackEventsHandler) dispatch(reqCtx context.Context, eventID string, ev slackEvent) {
	work := h.route(ev)
	if work == nil {
		return
	}

	base := context.WithoutCancel(reqCtx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(base, h.cfg.WorkTimeout)
		defer cancel()
		work(ctx)
		h.logger.DebugContext(ctx, "slack event processed", "event_id", eventID, "type", ev.Type)
	}()
}

// route picks the work for an event, or nil when the event is ignored.
func (h *SlackEventsHandler) route(ev slackEvent) func(context.Context) {
	switch ev.Type {
	case "team_join":
		var member struct {
			ID      string `json:"id"`
			IsBot   bool   `json:"is_bot"`
			Deleted bool   `json:"deleted"`
		}
		if err := json.Unmarshal(ev.User, &member); err != nil || member.ID == "" || member.IsBot || member.Deleted {
			return nil
		}
		return func(ctx context.Context) {
			_ = h.welcome(types.WithTriggerSource(ctx, types.TriggerSourceSlack), member.ID)
		}

	case "message":
		if !isUserMessage(ev) {
			return nil
		}
		var userID string
		if err := json.Unmarshal(ev.User, &userID); err != nil || userID == "" {
			return nil
		}
		if target, password, ok := h.parseCommand(ev.Text); ok {
			return func(ctx context.Context) {
				h.runCommand(types.WithTriggerSource(ctx, types.TriggerSourceCommand), userID, ev.Channel, password, target)
			}
		}
		return func(ctx context.Context) {
			ctx = types.WithTriggerSource(ctx, types.TriggerSourceSlack)
			if _, err := h.onboarder.HandleEvent(ctx, userID); err != nil {
				h.logger.ErrorContext(ctx, "message re-entry failed", "user_id", userID, "error", err)
			}
		}
	}
	return nil
}

// isUserMessage reports whether a message event was posted by a person as a
// new message.
func isUserMessage(ev slackEvent) bool {
	if ev.BotID != "" {
		return false
	}
	switch ev.Subtype {
	case "", "file_share", "thread_broadcast":
		return true
	}
	return false
}

// parseCommand recognises "<prefix> <password> <@USER>".
func (h *SlackEventsHandler) parseCommand(text string) (target, password string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) != 3 || !strings.EqualFold(fields[0], h.cfg.CommandPrefix) {
		return "", "", false
	}
	m := mentionPattern.FindStringSubmatch(fields[2])
	if m == nil {
		return "", "", false
	}
	return m[1], fields[1], true
}

func (h *SlackEventsHandler) runCommand(ctx context.Context, senderID, channel, password, target string) {
	if h.cfg.CommandPasswordHash.IsZero() {
		h.logger.WarnContext(ctx, "onboard command disabled", "sender_id", senderID)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.CommandPasswordHash.Unmask()), []byte(password)); err != nil {
		h.logger.WarnContext(ctx, "onboard command rejected", "sender_id", senderID, "target_id", target)
		h.reply(ctx, channel, "Incorrect password.")
		return
	}

	h.logger.InfoContext(ctx, "onboard command accepted", "sender_id", senderID, "target_id", target)
	err := h.welcome(ctx, target)
	switch {
	case err == nil:
		h.reply(ctx, channel, "Onboarding started for <@"+target+">.")
	case types.IsCode(err, types.ErrCodeConflictOnboardingStarted):
		h.reply(ctx, channel, "<@"+target+"> has already started onboarding.")
	default:
		h.reply(ctx, channel, "Could not start onboarding for <@"+target+">.")
	}
}

func (h *SlackEventsHandler) welcome(ctx context.Context, userID string) error {
	_, err := h.onboarder.Welcome(ctx, userID)
	switch {
	case err == nil:
	case types.IsCode(err, types.ErrCodeConflictOnboardingStarted):
		h.logger.InfoContext(ctx, "welcome skipped", "user_id", userID, "reason", "already_started")
	default:
		h.logger.ErrorContext(ctx, "welcome failed", "user_id", userID, "error", err)
	}
	return err
}

func (h *SlackEventsHandler) reply(ctx context.Context, channel, text string) {
	if h.messenger == nil || channel == "" {
		return
	}
	if err := h.messenger.PostMessage(ctx, channel, text); err != nil {
		h.logger.WarnContext(ctx, "command reply failed", "channel", channel, "error", err)
	}
}
