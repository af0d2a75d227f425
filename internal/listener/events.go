package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/presence"
)

// ErrUnsigned is returned for plain payloads when a token secret is set.
var ErrUnsigned = errors.New("session event is not a signed token")

// TokenTTL is the lifetime Sign gives a session-event token.
const TokenTTL = 5 * time.Minute

const tokenLeeway = 30 * time.Second

// SessionHandler applies decoded session events.
type SessionHandler interface {
	HandleSession(ctx context.Context, ev presence.SessionEvent) error
}

type eventClaims struct {
	presence.SessionEvent
	jwt.RegisteredClaims
}

// Decoder turns payloads into session events. With a secret every payload
// must be an unexpired HS256 token carrying the event fields as claims.
type Decoder struct {
	secret []byte
}

func NewDecoder(secret string) Decoder {
	if secret == "" {
		return Decoder{}
	}
	return Decoder{secret: []byte(secret)}
}

func (d Decoder) Decode(payload []byte) (presence.SessionEvent, error) {
	payload = bytes.TrimSpace(payload)
	if d.secret == nil {
		var ev presence.SessionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return presence.SessionEvent{}, fmt.Errorf("decode session event: %w", err)
		}
		return ev, nil
	}
	if bytes.HasPrefix(payload, []byte("{")) {
		return presence.SessionEvent{}, ErrUnsigned
	}
	var claims eventClaims
	key := func(*jwt.Token) (any, error) { return d.secret, nil }
	// the embedded event's Validate runs as the claims validator
	_, err := jwt.ParseWithClaims(string(payload), &claims, key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		return presence.SessionEvent{}, fmt.Errorf("verify session event: %w", err)
	}
	return claims.SessionEvent, nil
}

// Sign encodes ev as a token accepted by a Decoder with the same secret
// for the next TokenTTL.
func Sign(secret string, ev presence.SessionEvent) (string, error) {
	now := time.Now()
	claims := eventClaims{
		SessionEvent: ev,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// SessionEvents handles session-event payloads.
func SessionEvents(d Decoder, h SessionHandler, logger *zap.SugaredLogger) Handler {
	return func(ctx context.Context, id string, payload []byte) {
		ev, err := d.Decode(payload)
		if err != nil {
			logger.Warnw("session event rejected", "id", id, "err", err)
			return
		}
		if err := h.HandleSession(ctx, ev); err != nil {
			logger.Errorw("session event failed", "id", id, "user", ev.User, "event", ev.Event, "err", err)
		}
	}
}

// ExtSystemLog opens the access-log file written by the ext-system
// listener. Lines are appended with a timestamp prefix.
func ExtSystemLog(path string) (*zap.Logger, func(), error) {
	sink, closeSink, err := zap.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	return zap.New(zapcore.NewCore(enc, sink, zapcore.InfoLevel)), closeSink, nil
}

// ExtSystemLines appends every non-empty line of a payload to w.
func ExtSystemLines(w *zap.Logger) Handler {
	return func(_ context.Context, _ string, payload []byte) {
		for line := range strings.Lines(string(payload)) {
			if line = strings.TrimSpace(line); line != "" {
				w.Info(line)
			}
		}
	}
}
