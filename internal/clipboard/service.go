package clipboard

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"clipbridge/internal/envelope"
)

// MimeText is the MIME type of text snapshots.
const MimeText = "text/plain"

// PreviewRunes is the length of a snapshot preview before truncation.
const PreviewRunes = 50

// Fingerprint returns the content fingerprint used for loopback and
// duplicate detection, or "" for empty input.
func Fingerprint(data string) string {
	if data == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Preview returns the first PreviewRunes runes of text on one line,
// followed by "..." when truncated.
func Preview(text string) string {
	flat := strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	if utf8.RuneCountInString(flat) <= PreviewRunes {
		return flat
	}
	n := 0
	for i := range flat {
		if n == PreviewRunes {
			return flat[:i] + "..."
		}
		n++
	}
	return flat
}

// Service reads and writes the system clipboard and remembers the
// fingerprint of its own last write.
type Service struct {
	acc Accessor
	now func() time.Time

	mu        sync.RWMutex
	lastWrite string
}

// NewService wraps an accessor.
func NewService(acc Accessor) *Service {
	return &Service{acc: acc, now: time.Now}
}

// Snapshot reads the clipboard. It returns ok == false when the clipboard
// holds no text.
func (s *Service) Snapshot(ctx context.Context) (envelope.ClipboardSnapshot, bool, error) {
	text, err := s.acc.ReadText(ctx)
	if err != nil {
		return envelope.ClipboardSnapshot{}, false, fmt.Errorf("read clipboard: %w", err)
	}
	if text == "" {
		return envelope.ClipboardSnapshot{}, false, nil
	}
	preview := Preview(text)
	return envelope.ClipboardSnapshot{
		MimeType:    MimeText,
		Data:        text,
		PreviewText: &preview,
		TimestampMs: s.now().UnixMilli(),
		Fingerprint: Fingerprint(text),
	}, true, nil
}

// SetText writes text to the clipboard and records it as the last self
// write. The fingerprint is recorded before the write so a watcher polling
// concurrently already treats the new content as loopback.
func (s *Service) SetText(ctx context.Context, text string) error {
	fp := Fingerprint(text)
	s.mu.Lock()
	prev := s.lastWrite
	s.lastWrite = fp
	s.mu.Unlock()

	if err := s.acc.WriteText(ctx, text); err != nil {
		s.mu.Lock()
		if s.lastWrite == fp {
			s.lastWrite = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// LastWriteFingerprint returns the fingerprint of the last successful
// SetText, or "".
func (s *Service) LastWriteFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWrite
}

// ContentType reports what the clipboard currently holds.
func (s *Service) ContentType(ctx context.Context) string {
	return s.acc.ContentType(ctx)
}

// Close releases the accessor when it holds system resources.
func (s *Service) Close() error {
	if c, ok := s.acc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Service) sequence() (uint64, bool) {
	if sq, ok := s.acc.(Sequencer); ok {
		return sq.Sequence(), true
	}
	return 0, false
}
