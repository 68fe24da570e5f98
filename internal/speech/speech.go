// Package speech normalizes a speech-to-text capability behind a uniform
// start/stop/transcript contract. The engine behind it is pluggable; the
// shipped implementation records an utterance and transcribes it through the
// backend's audio-upload endpoint.
package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/easybali/concierge/internal/backend"
)

var (
	// ErrUnavailable means no speech capability exists on this device.
	ErrUnavailable = errors.New("speech: capability unavailable")
	// ErrPermissionDenied means the microphone is present but blocked.
	ErrPermissionDenied = errors.New("speech: microphone permission denied")
)

// Events receives recognition output. OnPartial fires zero or more times
// with incrementally improved guesses; OnFinal fires exactly once per
// utterance, with an empty string when the utterance completed without
// usable text. OnError reports engine failures mid-utterance.
type Events struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

// Recognizer is a speech engine as the adapter consumes it.
type Recognizer interface {
	// Available reports whether the capability can be used at all.
	Available() error
	// Start begins one listening session. Delivery continues until Stop is
	// called or the engine declares the utterance complete.
	Start(ctx context.Context, events Events) error
	Stop()
}

const unavailableNotice = "Voice input is not available on this device."

// Adapter exposes toggle semantics over a Recognizer and guarantees the
// event contract: capability absence or permission denial surfaces as a
// one-time notice and disables the feature for the session, and toggling
// while active stops cleanly without a second OnFinal.
type Adapter struct {
	rec       Recognizer
	onPartial func(string)
	onFinal   func(string)
	onNotice  func(string)

	mu          sync.Mutex
	listening   bool
	disabled    bool
	noticeShown bool
	utterance   uint64 // guards late events from a stopped utterance
	finalFired  bool
}

// NewAdapter wires a recognizer to transcript callbacks. onNotice shows a
// user-facing message; nil callbacks are tolerated.
func NewAdapter(rec Recognizer, onPartial, onFinal func(string), onNotice func(string)) *Adapter {
	return &Adapter{
		rec:       rec,
		onPartial: onPartial,
		onFinal:   onFinal,
		onNotice:  onNotice,
	}
}

// Listening reports whether an utterance is in progress.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Toggle starts listening, or stops the in-progress utterance. It returns
// whether the adapter is listening after the call.
func (a *Adapter) Toggle(ctx context.Context) bool {
	a.mu.Lock()

	if a.disabled {
		a.mu.Unlock()
		return false
	}

	if a.listening {
		a.stopLocked()
		a.mu.Unlock()
		return false
	}

	if a.rec == nil {
		a.disableLocked(ErrUnavailable)
		a.mu.Unlock()
		return false
	}
	if err := a.rec.Available(); err != nil {
		a.disableLocked(err)
		a.mu.Unlock()
		return false
	}

	a.utterance++
	utt := a.utterance
	a.finalFired = false
	a.listening = true
	a.mu.Unlock()

	events := Events{
		OnPartial: func(text string) { a.deliverPartial(utt, text) },
		OnFinal:   func(text string) { a.deliverFinal(utt, text) },
		OnError:   func(err error) { a.deliverError(utt, err) },
	}
	if err := a.rec.Start(ctx, events); err != nil {
		a.mu.Lock()
		a.listening = false
		a.disableLocked(err)
		a.mu.Unlock()
		return false
	}
	return true
}

// Stop ends the in-progress utterance, if any.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.listening {
		a.stopLocked()
	}
	a.mu.Unlock()
}

// stopLocked halts the engine and retires the current utterance so a
// trailing OnFinal from the engine is not delivered twice.
func (a *Adapter) stopLocked() {
	a.listening = false
	a.utterance++
	if a.rec != nil {
		a.rec.Stop()
	}
}

func (a *Adapter) disableLocked(err error) {
	a.disabled = true
	if !a.noticeShown {
		a.noticeShown = true
		slog.Warn("Speech input disabled for this session", "error", err)
		if a.onNotice != nil {
			a.onNotice(unavailableNotice)
		}
	}
}

func (a *Adapter) deliverPartial(utt uint64, text string) {
	a.mu.Lock()
	stale := utt != a.utterance
	a.mu.Unlock()
	if stale || a.onPartial == nil {
		return
	}
	a.onPartial(text)
}

func (a *Adapter) deliverFinal(utt uint64, text string) {
	a.mu.Lock()
	if utt != a.utterance || a.finalFired {
		a.mu.Unlock()
		return
	}
	a.finalFired = true
	a.listening = false
	a.mu.Unlock()

	if a.onFinal != nil {
		a.onFinal(text)
	}
}

func (a *Adapter) deliverError(utt uint64, err error) {
	a.mu.Lock()
	if utt != a.utterance {
		a.mu.Unlock()
		return
	}
	a.listening = false
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) {
		a.disableLocked(err)
	} else {
		slog.Warn("Speech recognition error", "error", err)
	}
	a.mu.Unlock()
}

// AudioSource captures one encoded utterance from the microphone.
type AudioSource interface {
	// Record blocks until the utterance ends or ctx is cancelled, returning
	// the encoded audio and a filename hint.
	Record(ctx context.Context) (io.ReadCloser, string, error)
}

// UploadRecognizer transcribes recorded audio through the backend's
// upload-audio endpoint.
type UploadRecognizer struct {
	api *backend.Client
	src AudioSource

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewUploadRecognizer creates a recognizer backed by src and the backend
// transcription endpoint.
func NewUploadRecognizer(api *backend.Client, src AudioSource) *UploadRecognizer {
	return &UploadRecognizer{api: api, src: src}
}

func (r *UploadRecognizer) Available() error {
	if r.src == nil {
		return ErrUnavailable
	}
	return nil
}

func (r *UploadRecognizer) Start(ctx context.Context, events Events) error {
	if err := r.Available(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()

		audio, filename, err := r.src.Record(ctx)
		if err != nil {
			if events.OnError != nil {
				events.OnError(err)
			}
			if events.OnFinal != nil {
				events.OnFinal("")
			}
			return
		}
		defer func() { _ = audio.Close() }()

		text, err := r.api.UploadAudio(ctx, filename, audio, nil)
		if err != nil {
			slog.Warn("Audio transcription failed", "error", err)
			if events.OnFinal != nil {
				events.OnFinal("")
			}
			return
		}
		if events.OnFinal != nil {
			events.OnFinal(text)
		}
	}()
	return nil
}

func (r *UploadRecognizer) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}
