package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lokvaani/internal/admission"
	"lokvaani/internal/clock"
	"lokvaani/internal/collab"
	"lokvaani/internal/domain"
	"lokvaani/internal/guard"
	"lokvaani/internal/observe"
	"lokvaani/internal/session"
)

const (
	defaultWarningLead         = 60 * time.Second
	defaultMaxQueryLen         = 1000
	defaultMaxAudioBytes       = 10 << 20
	defaultMinSTTConfidence    = 0.6
	defaultMinDetectConfidence = 0.5
	defaultContentLanguage     = "en"
	defaultAudioFormat         = "mp3"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Degradation names a collaborator whose failure the turn absorbed.
type Degradation string

const (
	DegradedAudio          Degradation = "audioUnavailable"
	DegradedSimplification Degradation = "simplificationUnavailable"
	DegradedSummarization  Degradation = "summarizationUnavailable"
	DegradedTranslation    Degradation = "translationUnavailable"
	DegradedDetection      Degradation = "languageDetectionUnavailable"
)

// Collaborators are the external services a turn uses. All are required.
type Collaborators struct {
	SpeechToText  collab.SpeechToText
	TextToSpeech  collab.TextToSpeech
	Translator    collab.Translator
	Simplifier    collab.Simplifier
	ContentSource collab.ContentSource
}

type Options struct {
	// WarningLead is how long before expiry a turn flags the session as
	// expiring soon.
	WarningLead         time.Duration
	MaxQueryLen         int
	MaxAudioBytes       int
	MinSTTConfidence    float64
	MinDetectConfidence float64
	// ContentLanguage is the language content sources answer in.
	ContentLanguage string
	AudioFormat     string
	Clock           clock.Clock
	Logger          *slog.Logger
	Sink            observe.Sink
}

func (o Options) withDefaults() Options {
	if o.WarningLead <= 0 {
		o.WarningLead = defaultWarningLead
	}
	if o.MaxQueryLen <= 0 {
		o.MaxQueryLen = defaultMaxQueryLen
	}
	if o.MaxAudioBytes <= 0 {
		o.MaxAudioBytes = defaultMaxAudioBytes
	}
	if o.MinSTTConfidence <= 0 {
		o.MinSTTConfidence = defaultMinSTTConfidence
	}
	if o.MinDetectConfidence <= 0 {
		o.MinDetectConfidence = defaultMinDetectConfidence
	}
	if o.ContentLanguage == "" {
		o.ContentLanguage = defaultContentLanguage
	}
	if o.AudioFormat == "" {
		o.AudioFormat = defaultAudioFormat
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = observe.Discard()
	}
	if o.Sink == nil {
		o.Sink = observe.NopSink{}
	}
	return o
}

// TurnService is the Turn Orchestrator. It also fronts the session
// operations so transports see one error taxonomy.
type TurnService struct {
	sessions  *session.Manager
	admission *admission.Controller
	guard     *guard.Guard
	collabs   Collaborators
	opts      Options
	logger    *slog.Logger
}

func NewTurnService(sessions *session.Manager, adm *admission.Controller, g *guard.Guard, collabs Collaborators, opts Options) (*TurnService, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	if adm == nil {
		return nil, errors.New("usecase: admission controller must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: guard must not be nil")
	}
	switch {
	case collabs.SpeechToText == nil:
		return nil, errors.New("usecase: speech-to-text must not be nil")
	case collabs.TextToSpeech == nil:
		return nil, errors.New("usecase: text-to-speech must not be nil")
	case collabs.Translator == nil:
		return nil, errors.New("usecase: translator must not be nil")
	case collabs.Simplifier == nil:
		return nil, errors.New("usecase: simplifier must not be nil")
	case collabs.ContentSource == nil:
		return nil, errors.New("usecase: content source must not be nil")
	}
	opts = opts.withDefaults()
	return &TurnService{
		sessions:  sessions,
		admission: adm,
		guard:     g,
		collabs:   collabs,
		opts:      opts,
		logger:    opts.Logger.With("component", "turn"),
	}, nil
}

// TurnInput is one user turn. Exactly one of Text or Audio is expected;
// Audio wins when both are set.
type TurnInput struct {
	SessionID string
	// CreateIfMissing allows starting a new session when SessionID is
	// empty, unknown or expired.
	CreateIfMissing bool
	Device          domain.DeviceInfo

	Text        string
	Audio       []byte
	AudioFormat string

	// Explicit preference overrides, applied before processing.
	Language *string
	Modality *domain.Modality
	// WantAudio forces audio output on or off. Nil follows the session's
	// modality.
	WantAudio *bool
	// MaxLength caps the response in characters; longer answers are
	// summarized. Zero means no cap.
	MaxLength int
}

type AdmissionInfo struct {
	Decision      string
	EstimatedWait time.Duration
	QueuedFor     time.Duration
}

type SourceInfo struct {
	ID             string
	Topic          string
	AuthorityScore float64
	Recency        time.Time
}

// TurnResult is a completed turn. Status is StatusDegraded when one or
// more optional collaborators failed; Degraded lists which.
type TurnResult struct {
	Status   Status
	Degraded []Degradation

	SessionID      string
	SessionCreated bool
	// SessionExpiringSoon is set when the session was close to its
	// inactivity timeout at the start of the turn.
	SessionExpiringSoon bool
	ExpiresIn           time.Duration

	Turn             domain.Turn
	ResponseText     string
	ResponseLanguage string
	KeyPoints        []string
	Audio            []byte
	AudioFormat      string
	Source           SourceInfo

	Admission AdmissionInfo
}

func (r *TurnResult) degrade(d Degradation) {
	r.Status = StatusDegraded
	r.Degraded = append(r.Degraded, d)
}

// HandleTurn runs one turn end to end. Failures are returned as *Error.
func (s *TurnService) HandleTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	start := s.opts.Clock.Now()
	res := TurnResult{Status: StatusOK}
	var query string

	err := s.handleTurn(ctx, in, &res, &query)

	ev := observe.TurnEvent{
		SessionID:        res.SessionID,
		TurnID:           res.Turn.ID,
		Outcome:          string(res.Status),
		Latency:          s.opts.Clock.Now().Sub(start),
		QueryFingerprint: observe.Fingerprint([]byte(query)),
		At:               start,
	}
	for _, d := range res.Degraded {
		ev.Degraded = append(ev.Degraded, string(d))
	}
	if err != nil {
		ev.Outcome = "failed"
		var ue *Error
		if errors.As(err, &ue) {
			ev.ErrorCode = string(ue.Code)
		}
		s.opts.Sink.TurnCompleted(ev)
		return TurnResult{}, err
	}
	s.opts.Sink.TurnCompleted(ev)
	return res, nil
}

func (s *TurnService) handleTurn(ctx context.Context, in TurnInput, res *TurnResult, query *string) error {
	start := s.opts.Clock.Now()
	text := strings.TrimSpace(in.Text)
	hasAudio := len(in.Audio) > 0
	switch {
	case !hasAudio && text == "":
		return newError(ErrorInvalidInput, "empty_input", nil)
	case !hasAudio && len([]rune(text)) > s.opts.MaxQueryLen:
		return newError(ErrorInvalidInput, "query_too_long", nil)
	case hasAudio && len(in.Audio) > s.opts.MaxAudioBytes:
		return newError(ErrorInvalidInput, "audio_too_large", nil)
	case in.MaxLength < 0:
		return newError(ErrorInvalidInput, "negative_max_length", nil)
	}

	// Admission.
	class := admission.ClassText
	if hasAudio {
		class = admission.ClassVoice
	}
	adm := s.admission.Admit(class)
	res.Admission = AdmissionInfo{Decision: adm.Decision.String(), EstimatedWait: adm.EstimatedWait}
	if adm.Decision == admission.Rejected {
		e := newError(ErrorAdmissionRejected, "capacity_exhausted", admission.ErrRejected)
		e.RetryAfter = adm.EstimatedWait
		return e
	}
	waitStart := s.opts.Clock.Now()
	ticket, err := adm.Wait(ctx)
	if err != nil {
		e := newError(ErrorAdmissionRejected, "queue_wait_expired", err)
		e.RetryAfter = adm.EstimatedWait
		return e
	}
	defer ticket.Release()
	if adm.Decision == admission.Queued {
		res.Admission.QueuedFor = s.opts.Clock.Now().Sub(waitStart)
	}
	ctx, cancel := ticket.Context(ctx)
	defer cancel()

	// Session.
	h, created, err := s.resolveSession(ctx, in)
	if err != nil {
		return err
	}
	defer h.Unlock()
	sess := h.Session()
	res.SessionID = sess.ID
	res.SessionCreated = created

	now := s.opts.Clock.Now()
	ttl := s.sessions.Config().TTL
	if idle := sess.IdleFor(now); !created && idle >= ttl-s.opts.WarningLead {
		res.SessionExpiringSoon = true
		res.ExpiresIn = max(ttl-idle, 0)
	}

	if in.Language != nil || in.Modality != nil {
		if err := h.SetPreference(ctx, session.PreferenceUpdate{Language: in.Language, Modality: in.Modality}); err != nil {
			return mapSessionErr(err)
		}
		sess = h.Session()
	}

	// Collaborators.
	detected := sess.PreferredLanguage
	modality := domain.ModalityText
	if hasAudio {
		modality = domain.ModalityVoice
		format := in.AudioFormat
		if format == "" {
			format = "wav"
		}
		tr, err := guard.Call(ctx, s.guard, ticket, collab.DepSpeechToText, func(ctx context.Context) (collab.Transcript, error) {
			return s.collabs.SpeechToText.Transcribe(ctx, in.Audio, format, sess.PreferredLanguage)
		})
		if err != nil {
			return mapCallErr(collab.DepSpeechToText, err)
		}
		if strings.TrimSpace(tr.Text) == "" || tr.Confidence < s.opts.MinSTTConfidence {
			return newError(ErrorLowConfidence, "transcription_low_confidence", collab.ErrLowConfidence)
		}
		text = strings.TrimSpace(tr.Text)
		if lang, ok := domain.NormalizeLanguage(tr.DetectedLanguage); ok {
			detected = lang
		}
	} else {
		det, err := guard.Call(ctx, s.guard, ticket, collab.DepDetection, func(ctx context.Context) (collab.Detection, error) {
			return s.collabs.Translator.Detect(ctx, text)
		})
		switch {
		case err == nil:
			if lang, ok := domain.NormalizeLanguage(det.Language); ok && det.Confidence >= s.opts.MinDetectConfidence {
				detected = lang
			}
		case degradable(ctx, err):
			s.logDegraded(sess.ID, collab.DepDetection, err)
			res.degrade(DegradedDetection)
		default:
			return mapCallErr(collab.DepDetection, err)
		}
	}
	*query = text

	content, err := guard.Call(ctx, s.guard, ticket, collab.DepContent, func(ctx context.Context) (collab.Content, error) {
		return s.collabs.ContentSource.Fetch(ctx, text)
	})
	if err != nil {
		return mapCallErr(collab.DepContent, err)
	}
	res.Source = SourceInfo{ID: content.SourceID, Topic: content.Topic, AuthorityScore: content.AuthorityScore, Recency: content.Recency}

	answer := content.Content
	level := collab.AudienceGeneral
	if sess.Accessibility.SimplifiedInterface {
		level = collab.AudienceSimple
	}
	simplified, err := guard.Call(ctx, s.guard, ticket, collab.DepSimplify, func(ctx context.Context) (collab.Simplified, error) {
		return s.collabs.Simplifier.Simplify(ctx, answer, level)
	})
	switch {
	case err == nil:
		answer = simplified.Text
		res.KeyPoints = simplified.PreservedPoints
	case degradable(ctx, err):
		s.logDegraded(sess.ID, collab.DepSimplify, err)
		res.degrade(DegradedSimplification)
	default:
		return mapCallErr(collab.DepSimplify, err)
	}

	responseLang := s.opts.ContentLanguage
	if !domain.SameLanguage(sess.PreferredLanguage, s.opts.ContentLanguage) {
		translated, err := guard.Call(ctx, s.guard, ticket, collab.DepTranslation, func(ctx context.Context) (string, error) {
			return s.collabs.Translator.Translate(ctx, answer, sess.PreferredLanguage)
		})
		switch {
		case err == nil:
			answer = translated
			responseLang = sess.PreferredLanguage
		case degradable(ctx, err):
			s.logDegraded(sess.ID, collab.DepTranslation, err)
			res.degrade(DegradedTranslation)
		default:
			return mapCallErr(collab.DepTranslation, err)
		}
	}
	if in.MaxLength > 0 && len([]rune(answer)) > in.MaxLength {
		summary, err := guard.Call(ctx, s.guard, ticket, collab.DepSummarize, func(ctx context.Context) (string, error) {
			return s.collabs.Simplifier.Summarize(ctx, answer, in.MaxLength)
		})
		switch {
		case err == nil:
			answer = summary
		case degradable(ctx, err):
			s.logDegraded(sess.ID, collab.DepSummarize, err)
			res.degrade(DegradedSummarization)
		default:
			return mapCallErr(collab.DepSummarize, err)
		}
	}
	res.ResponseText = answer
	res.ResponseLanguage = responseLang

	if s.wantsAudio(in, sess) {
		voice := collab.VoiceConfig{Rate: sess.Accessibility.AudioSpeed, Format: s.opts.AudioFormat}
		audio, err := guard.Call(ctx, s.guard, ticket, collab.DepTextToSpeech, func(ctx context.Context) ([]byte, error) {
			return s.collabs.TextToSpeech.Synthesize(ctx, answer, responseLang, voice)
		})
		switch {
		case err == nil:
			res.Audio = audio
			res.AudioFormat = s.opts.AudioFormat
		case degradable(ctx, err):
			s.logDegraded(sess.ID, collab.DepTextToSpeech, err)
			res.degrade(DegradedAudio)
		default:
			return mapCallErr(collab.DepTextToSpeech, err)
		}
	}

	// Record the turn.
	turn := domain.Turn{
		ID:               newUUID(),
		Query:            text,
		Response:         answer,
		Timestamp:        s.opts.Clock.Now(),
		DetectedLanguage: detected,
		Topic:            content.Topic,
		InputModality:    modality,
		ProcessingTime:   s.opts.Clock.Now().Sub(start),
	}
	if _, err := h.AppendTurn(ctx, turn); err != nil {
		return mapSessionErr(err)
	}
	if err := h.Touch(ctx); err != nil {
		s.logger.Warn("session touch failed", "sessionId", sess.ID, "err", err)
	}
	res.Turn = turn
	return nil
}

func (s *TurnService) resolveSession(ctx context.Context, in TurnInput) (*session.Handle, bool, error) {
	id := strings.TrimSpace(in.SessionID)
	if id != "" {
		h, err := s.sessions.Lock(ctx, id)
		switch {
		case err == nil:
			return h, false, nil
		case !errors.Is(err, session.ErrNotFound) || !in.CreateIfMissing:
			return nil, false, mapSessionErr(err)
		}
	} else if !in.CreateIfMissing {
		return nil, false, newError(ErrorSessionRequired, "missing_session_id", nil)
	}

	created, err := s.sessions.CreateSession(ctx, in.Device)
	if err != nil {
		return nil, false, mapSessionErr(err)
	}
	h, err := s.sessions.Lock(ctx, created.ID)
	if err != nil {
		return nil, false, mapSessionErr(err)
	}
	return h, true, nil
}

func (s *TurnService) wantsAudio(in TurnInput, sess domain.Session) bool {
	if in.WantAudio != nil {
		return *in.WantAudio
	}
	if sess.Device != (domain.DeviceInfo{}) && !sess.Device.SupportsAudio {
		return false
	}
	return sess.InputModality == domain.ModalityVoice
}

func (s *TurnService) logDegraded(sessionID, dependency string, err error) {
	s.logger.Warn("collaborator degraded", "sessionId", sessionID, "dependency", dependency, "err", err)
}

// degradable reports whether a failed optional call may be absorbed. A
// cancelled turn or a reclaimed ticket must end the turn instead.
func degradable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, admission.ErrTicketReclaimed) {
		return false
	}
	return errors.Is(err, guard.ErrDependencyUnavailable) || errors.As(err, new(*collab.ServiceError))
}

func mapCallErr(dependency string, err error) *Error {
	var e *Error
	switch {
	case errors.Is(err, admission.ErrTicketReclaimed):
		e = newError(ErrorAdmissionRejected, "ticket_reclaimed", err)
	case errors.Is(err, collab.ErrLowConfidence):
		e = newError(ErrorLowConfidence, "low_confidence", err)
	case errors.Is(err, guard.ErrDependencyUnavailable):
		e = newError(ErrorDependencyUnavailable, "dependency_unavailable", err)
		var ue *guard.UnavailableError
		if errors.As(err, &ue) {
			e.RetryAfter = ue.RetryAfter
		}
	case errors.As(err, new(*collab.ServiceError)):
		e = newError(ErrorService, "service_error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e = newError(ErrorInternal, "request_cancelled", err)
	default:
		e = newError(ErrorInternal, "collaborator_error", err)
	}
	e.Dependency = dependency
	return e
}

func mapSessionErr(err error) error {
	var ue *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ue):
		return ue
	case errors.Is(err, session.ErrNotFound):
		return newError(ErrorSessionNotFound, "session_not_found", err)
	case errors.Is(err, session.ErrBusy):
		return newError(ErrorSessionBusy, "session_busy", err)
	case errors.Is(err, session.ErrConflict):
		return newError(ErrorSessionBusy, "session_conflict", err)
	case errors.Is(err, session.ErrUnsupportedLanguage):
		e := newError(ErrorUnsupportedLanguage, "unsupported_language", err)
		e.Supported = domain.SupportedLanguages()
		return e
	case errors.Is(err, domain.ErrInvalid):
		return newError(ErrorInvalidInput, "invalid_value", err)
	case errors.Is(err, admission.ErrTicketReclaimed):
		return newError(ErrorAdmissionRejected, "ticket_reclaimed", err)
	default:
		return newError(ErrorInternal, "session_store_error", err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
