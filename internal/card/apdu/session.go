// Package apdu drives the command/response exchanges with an inserted card:
// applet selection, chained and length-corrected reads, and the offset-based
// photo read.
package apdu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardreader/internal/card/models"
	"cardreader/internal/card/transport"
	dErrors "cardreader/pkg/domain-errors"
)

// maxFollowUps bounds GET RESPONSE / length-correction rounds per exchange.
const maxFollowUps = 64

// Config controls selection and retry behaviour of a session.
type Config struct {
	SelectCommand []byte
	Attempts      int
	RetryDelay    time.Duration
}

// Session is one card's read session. It holds the card handle only for the
// duration of the reads; the monitor owns connect and disconnect.
type Session struct {
	card   transport.Card
	cfg    Config
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// Open starts a session on card. Nothing is transmitted until SelectApplet.
func Open(card transport.Card, cfg Config, logger *slog.Logger) *Session {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Session{card: card, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// SelectApplet selects the ID applet. Any non-success status aborts the
// session; there is nothing useful to read from a card that refuses it.
func (s *Session) SelectApplet(ctx context.Context) error {
	_, err := s.withRetry(ctx, "select", func() ([]byte, error) {
		return s.exchange(ctx, "select", s.cfg.SelectCommand)
	})
	if err != nil {
		return classify(err, "select applet")
	}
	return nil
}

// ReadField reads one field, following 61xx chains and 6Cxx corrections.
// Failures are retried; after the last attempt a required field returns an
// error while an optional one yields an empty buffer.
func (s *Session) ReadField(ctx context.Context, spec models.FieldSpec) ([]byte, error) {
	data, err := s.withRetry(ctx, spec.Name, func() ([]byte, error) {
		return s.exchange(ctx, spec.Name, spec.Command)
	})
	if err == nil {
		return data, nil
	}
	if spec.Required || isFatal(err) {
		return nil, classify(err, "read "+spec.Name)
	}
	s.logger.WarnContext(ctx, "optional field unreadable, leaving empty", "field", spec.Name, "error", err)
	return []byte{}, nil
}

// ReadPhoto reads the photo in ChunkSize pieces starting at StartOffset until
// TotalLength bytes are collected. Each chunk is retried independently.
func (s *Session) ReadPhoto(ctx context.Context, spec models.PhotoSpec) ([][]byte, error) {
	if spec.ChunkSize <= 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "photo chunk size must be positive")
	}
	chunks := make([][]byte, 0, spec.Chunks())
	read := 0
	for read < spec.TotalLength {
		want := min(spec.ChunkSize, spec.TotalLength-read)
		offset := spec.StartOffset + read
		name := fmt.Sprintf("%s[%d]", models.FieldPhoto, len(chunks))
		cmd := PhotoChunk(spec, offset, want)

		data, err := s.withRetry(ctx, name, func() ([]byte, error) {
			b, err := s.exchange(ctx, name, cmd)
			if err != nil {
				return nil, err
			}
			if len(b) < want && read+len(b) < spec.TotalLength {
				return nil, fmt.Errorf("short photo chunk at offset %#04x: got %d of %d bytes", offset, len(b), want)
			}
			return b, nil
		})
		if err != nil {
			if spec.Required || isFatal(err) {
				return nil, classify(err, "read photo")
			}
			s.logger.WarnContext(ctx, "photo unreadable, leaving empty", "chunk", len(chunks), "error", err)
			return nil, nil
		}
		if len(data) > want {
			data = data[:want]
		}
		chunks = append(chunks, data)
		read += len(data)
	}
	return chunks, nil
}

// ReadAll selects the applet and reads every field plus the photo.
func (s *Session) ReadAll(ctx context.Context, fields []models.FieldSpec, photo *models.PhotoSpec) (models.RawFieldData, error) {
	if err := s.SelectApplet(ctx); err != nil {
		return nil, err
	}
	raw := make(models.RawFieldData, len(fields)+1)
	for _, f := range fields {
		data, err := s.ReadField(ctx, f)
		if err != nil {
			return nil, err
		}
		raw[f.Name] = [][]byte{data}
	}
	if photo != nil && photo.TotalLength > 0 {
		chunks, err := s.ReadPhoto(ctx, *photo)
		if err != nil {
			return nil, err
		}
		raw[models.FieldPhoto] = chunks
	}
	return raw, nil
}

// Close ends the session. The card handle stays open; its owner disconnects it.
func (s *Session) Close() {
	s.card = nil
}

func (s *Session) exchange(ctx context.Context, field string, cmd []byte) ([]byte, error) {
	if s.card == nil {
		return nil, errors.New("session closed")
	}
	resp, err := s.transmit(ctx, field, cmd)
	if err != nil {
		return nil, err
	}

	var out []byte
	corrected := false
	for range maxFollowUps {
		data, sw, err := splitResponse(resp)
		if err != nil {
			return nil, err
		}
		switch {
		case sw.OK():
			return append(out, data...), nil
		case sw.MoreData():
			out = append(out, data...)
			resp, err = s.transmit(ctx, field, GetResponse(sw.SW2))
		case sw.WrongLength() && !corrected:
			corrected = true
			s.logger.DebugContext(ctx, "resending with corrected length", "field", field, "le", sw.SW2)
			resp, err = s.transmit(ctx, field, WithLength(cmd, sw.SW2))
		default:
			return nil, &StatusError{Field: field, SW: sw}
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: response chain exceeded %d exchanges", field, maxFollowUps)
}

func (s *Session) transmit(ctx context.Context, field string, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "transmit", "field", field, "apdu", Hex(cmd))
	resp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransport, "transmit "+field)
	}
	return resp, nil
}

func (s *Session) withRetry(ctx context.Context, field string, fn func() ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		data, err := fn()
		if err == nil {
			return data, nil
		}
		lastErr = err
		if isFatal(err) {
			return nil, err
		}
		s.logger.DebugContext(ctx, "exchange failed", "field", field, "attempt", attempt, "of", s.cfg.Attempts, "error", err)
		if attempt < s.cfg.Attempts {
			if err := s.sleep(ctx, s.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// isFatal reports errors that make retrying pointless: the card is gone or
// the caller gave up.
func isFatal(err error) bool {
	return errors.Is(err, transport.ErrCardRemoved) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func classify(err error, msg string) error {
	if dErrors.HasCode(err, dErrors.CodeTransport) || isFatal(err) {
		return dErrors.Wrap(err, dErrors.CodeTransport, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeProtocol, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
