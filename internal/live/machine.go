package live

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/accountant/internal/capture"
	"github.com/ent0n29/accountant/internal/logging"
	"github.com/ent0n29/accountant/internal/observability"
	"github.com/ent0n29/accountant/internal/policy"
	"github.com/ent0n29/accountant/internal/protocol"
	"github.com/ent0n29/accountant/internal/transport"
)

const eventQueueSize = 64

// Machine owns one live voice session at a time.
//
// Every state change happens on the goroutine running Run. Start, Stop,
// connect results and channel traffic all arrive there as events, so the
// session fields below the loop-owned marker need no locking. Observers
// registered with OnChange and OnError are called from that goroutine and
// must not call Start or Stop synchronously.
type Machine struct {
	cfg        Config
	source     capture.Source
	dialer     transport.Dialer
	dispatcher Dispatcher
	metrics    *observability.Metrics
	logger     zerolog.Logger

	events  chan event
	done    chan struct{}
	runOnce sync.Once
	running atomic.Bool

	// postMu is held shared by helper goroutines while they post; Run takes
	// it exclusively on exit so nothing lands in events after the final drain.
	postMu  sync.RWMutex
	stopped bool

	mu         sync.RWMutex
	snap       Snapshot
	onChange   []func(Snapshot)
	onError    []func(error)
	lifetime   context.Context
	dispatchWG sync.WaitGroup

	// loop-owned
	gen uint64
	cur *liveSession
}

type liveSession struct {
	gen       uint64
	id        string
	cancel    context.CancelFunc
	stream    capture.Stream
	channel   transport.Channel
	stopPump  chan struct{}
	pumpDone  chan struct{}
	lastFrame time.Time
	logger    zerolog.Logger
}

func New(cfg Config, source capture.Source, dialer transport.Dialer, dispatcher Dispatcher, metrics *observability.Metrics, logger zerolog.Logger) *Machine {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 100 * time.Millisecond
	}
	return &Machine{
		cfg:        cfg,
		source:     source,
		dialer:     dialer,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		events:     make(chan event, eventQueueSize),
		done:       make(chan struct{}),
		snap:       Snapshot{Status: StatusIdle},
		lifetime:   context.Background(),
	}
}

// OnChange registers fn to receive a snapshot after every transition or transcript update.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// OnError registers fn to receive every surfaced error.
func (m *Machine) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = append(m.onError, fn)
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Run processes events until ctx is cancelled, then tears down any session.
// Dispatches started while running are bound to ctx.
func (m *Machine) Run(ctx context.Context) {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return
	}

	m.mu.Lock()
	m.lifetime = ctx
	m.mu.Unlock()
	m.running.Store(true)

	var idleTick <-chan time.Time
	if m.cfg.InactivityTimeout > 0 {
		ticker := time.NewTicker(inactivityCheckInterval(m.cfg.InactivityTimeout))
		defer ticker.Stop()
		idleTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if m.cur != nil {
				m.closeSession("shutdown", nil)
			}
			m.shutdown()
			return
		case ev := <-m.events:
			m.handle(ev)
		case now := <-idleTick:
			m.checkInactivity(now)
		}
	}
}

// Start begins a session. It returns once the machine is connecting;
// capture and transport failures are reported through OnError.
func (m *Machine) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.events <- startRequest{reply: reply}:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the current session, if any, and returns once the machine is
// idle with capture and channel released. Calling it again, or before Run,
// is a no-op.
func (m *Machine) Stop() {
	if !m.running.Load() {
		return
	}
	reply := make(chan struct{})
	select {
	case m.events <- stopRequest{reply: reply}:
	case <-m.done:
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

// WaitDispatches blocks until in-flight dispatches finish.
func (m *Machine) WaitDispatches() {
	m.dispatchWG.Wait()
}

func (m *Machine) handle(ev event) {
	switch e := ev.(type) {
	case startRequest:
		e.reply <- m.handleStart()
	case stopRequest:
		if m.cur != nil {
			m.closeSession("stop requested", nil)
		}
		close(e.reply)
	case connectResult:
		m.handleConnect(e)
	case channelEvent:
		m.handleChannel(e)
	case captureEnded:
		if m.isCurrent(e.gen) {
			m.cur.logger.Info().Msg("capture ended; keeping channel open for remaining transcripts")
		}
	case dispatchFailed:
		m.metrics.DispatchFailed()
		m.logger.Warn().Err(e.err).Msg("final transcript dispatch failed")
		m.surface(e.err)
	}
}

func (m *Machine) handleStart() error {
	if m.cur != nil || m.Snapshot().Status != StatusIdle {
		return ErrSessionActive
	}

	m.gen++
	ctx, cancel := context.WithCancel(m.lifetimeContext())
	sess := &liveSession{
		gen:    m.gen,
		id:     uuid.NewString(),
		cancel: cancel,
	}
	sess.logger = logging.WithSession(m.logger, sess.id)
	m.cur = sess

	m.update(func(s *Snapshot) {
		*s = Snapshot{ID: sess.id, Status: StatusConnecting, StartedAt: time.Now().UTC()}
	})
	m.metrics.SessionEvent("start")
	m.metrics.SetActiveLiveSessions(1)
	sess.logger.Info().Str("url", m.cfg.WSURL).Msg("live session connecting")

	go m.connect(ctx, sess.gen)
	return nil
}

// connect acquires capture before dialing so a denied device never opens a socket.
func (m *Machine) connect(ctx context.Context, gen uint64) {
	startedAt := time.Now()
	stream, err := m.source.Acquire(ctx)
	if err != nil {
		m.post(connectResult{gen: gen, err: asDeviceError(m.source.Name(), err)}, nil)
		return
	}

	var header http.Header
	if m.cfg.Header != nil {
		header = m.cfg.Header()
	}
	ch, err := m.dialer.Dial(ctx, m.cfg.WSURL, header)
	if err != nil {
		_ = stream.Release()
		m.metrics.ObserveLatency("live.connect", time.Since(startedAt), false)
		m.post(connectResult{gen: gen, err: asTransportError(m.cfg.WSURL, "dial", err)}, nil)
		return
	}
	m.metrics.ObserveLatency("live.connect", time.Since(startedAt), true)

	if !m.post(connectResult{gen: gen, stream: stream, channel: ch}, nil) {
		_ = stream.Release()
		_ = ch.Close()
	}
}

func (m *Machine) handleConnect(r connectResult) {
	if !m.isCurrent(r.gen) || m.Snapshot().Status != StatusConnecting {
		// Stopped while connecting; nobody else will release these.
		releaseLate(r)
		return
	}
	sess := m.cur
	if r.err != nil {
		m.fail(r.err)
		return
	}

	sess.stream = r.stream
	sess.channel = r.channel
	chunks, err := r.stream.Start(m.cfg.ChunkInterval)
	if err != nil {
		m.fail(asDeviceError(m.source.Name(), err))
		return
	}

	sess.lastFrame = time.Now()
	sess.stopPump = make(chan struct{})
	sess.pumpDone = make(chan struct{})
	go m.forwardChannel(sess.gen, r.channel)
	go m.pump(sess, chunks)

	m.update(func(s *Snapshot) { s.Status = StatusStreaming })
	m.metrics.SessionEvent("streaming")
	sess.logger.Info().Dur("interval", m.cfg.ChunkInterval).Msg("live session streaming")
}

func (m *Machine) handleChannel(e channelEvent) {
	if !m.isCurrent(e.gen) || m.Snapshot().Status != StatusStreaming {
		return
	}
	sess := m.cur

	switch ev := e.ev.(type) {
	case transport.Message:
		sess.lastFrame = time.Now()
		if ev.Binary {
			m.metrics.WSMessage("in", "malformed")
			sess.logger.Warn().Int("bytes", len(ev.Data)).Msg("dropping binary frame from transcription socket")
			return
		}
		transcripts, err := protocol.ParseTranscriptFrame(ev.Data)
		if err != nil {
			m.metrics.WSMessage("in", "malformed")
			sess.logger.Warn().Err(err).Msg("dropping malformed transcript frame")
			return
		}
		for _, t := range transcripts {
			m.applyTranscript(sess, t)
		}
	case transport.Errored:
		m.closeSession("channel error", asTransportError(m.cfg.WSURL, "stream", ev.Err))
	case transport.Closed:
		sess.logger.Info().Int("code", ev.Code).Str("reason", ev.Reason).Msg("transcription socket closed")
		m.closeSession("channel closed", nil)
	}
}

func (m *Machine) applyTranscript(sess *liveSession, t protocol.TranscriptEvent) {
	switch t.Kind {
	case protocol.KindPartial:
		m.metrics.WSMessage("in", "partial")
		m.update(func(s *Snapshot) { s.InterimText = t.Text })
	case protocol.KindFinal:
		m.metrics.WSMessage("in", "final")
		m.update(func(s *Snapshot) {
			s.FinalText = t.Text
			s.InterimText = ""
		})
		sess.logger.Debug().Str("text", policy.RedactString(t.Text)).Msg("final transcript")
		m.dispatch(t.Text)
	}
}

func (m *Machine) dispatch(text string) {
	if m.dispatcher == nil {
		return
	}
	ctx := m.lifetimeContext()
	m.dispatchWG.Add(1)
	go func() {
		defer m.dispatchWG.Done()
		err := m.dispatcher.Dispatch(ctx, text)
		if err == nil {
			return
		}
		var qerr *QueryError
		if !errors.As(err, &qerr) {
			qerr = &QueryError{Text: text, Err: err}
		}
		if !m.post(dispatchFailed{err: qerr}, nil) {
			m.logger.Warn().Err(qerr).Msg("dispatch failed after live machine stopped")
		}
	}()
}

// pump forwards chunks in capture order. A chunk the channel cannot take is dropped.
func (m *Machine) pump(sess *liveSession, chunks <-chan capture.Chunk) {
	defer close(sess.pumpDone)
	for {
		select {
		case <-sess.stopPump:
			return
		case c, ok := <-chunks:
			if !ok {
				m.post(captureEnded{gen: sess.gen}, sess.stopPump)
				return
			}
			if sess.channel.Send(c.Data) {
				m.metrics.WSMessage("out", "audio")
				continue
			}
			m.metrics.ChunkDropped()
			sess.logger.Debug().Int("seq", c.Seq).Msg("dropped audio chunk")
		}
	}
}

func (m *Machine) forwardChannel(gen uint64, ch transport.Channel) {
	for ev := range ch.Events() {
		if !m.post(channelEvent{gen: gen, ev: ev}, nil) {
			return
		}
	}
}

func (m *Machine) checkInactivity(now time.Time) {
	sess := m.cur
	if sess == nil || m.Snapshot().Status != StatusStreaming {
		return
	}
	if now.Sub(sess.lastFrame) < m.cfg.InactivityTimeout {
		return
	}
	sess.logger.Info().Dur("timeout", m.cfg.InactivityTimeout).Msg("stopping inactive live session")
	m.metrics.SessionEvent("inactive")
	m.closeSession("inactivity timeout", nil)
}

// closeSession is the Closing -> Idle path. A non-nil cause is recorded and
// surfaced once capture and channel are released.
func (m *Machine) closeSession(reason string, cause error) {
	sess := m.cur
	m.update(func(s *Snapshot) {
		s.Status = StatusClosing
		if cause != nil {
			s.LastError = cause.Error()
		}
	})
	m.teardown(sess)
	if cause != nil {
		m.surface(cause)
	}
	m.update(func(s *Snapshot) {
		s.Status = StatusIdle
		s.InterimText = ""
	})
	m.metrics.SetActiveLiveSessions(0)
	if cause != nil {
		m.metrics.SessionEvent("error")
		sess.logger.Warn().Err(cause).Str("reason", reason).Msg("live session closed")
		return
	}
	m.metrics.SessionEvent("stop")
	sess.logger.Info().Str("reason", reason).Msg("live session closed")
}

// fail releases everything, reports err, and returns to idle.
func (m *Machine) fail(err error) {
	sess := m.cur
	m.teardown(sess)
	m.update(func(s *Snapshot) {
		s.Status = StatusErrored
		s.LastError = err.Error()
	})
	m.surface(err)
	m.update(func(s *Snapshot) {
		s.Status = StatusIdle
		s.InterimText = ""
	})
	m.metrics.SessionEvent("error")
	m.metrics.SetActiveLiveSessions(0)
	sess.logger.Error().Err(err).Msg("live session failed")
}

// teardown stops forwarding, then releases capture and channel together.
func (m *Machine) teardown(sess *liveSession) {
	m.cur = nil
	if sess == nil {
		return
	}
	sess.cancel()
	if sess.stopPump != nil {
		close(sess.stopPump)
		<-sess.pumpDone
	}
	if sess.stream != nil {
		if err := sess.stream.Release(); err != nil {
			sess.logger.Warn().Err(err).Msg("release capture")
		}
	}
	if sess.channel != nil {
		_ = sess.channel.Close()
	}
}

func (m *Machine) update(mutate func(*Snapshot)) {
	m.mu.Lock()
	mutate(&m.snap)
	snap := m.snap
	observers := append([]func(Snapshot){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func (m *Machine) surface(err error) {
	m.mu.RLock()
	observers := append([]func(error){}, m.onError...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(err)
	}
}

func (m *Machine) isCurrent(gen uint64) bool {
	return m.cur != nil && m.cur.gen == gen
}

func (m *Machine) lifetimeContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifetime
}

// post delivers ev to the loop. It gives up when the loop has exited or abort closes.
func (m *Machine) post(ev event, abort <-chan struct{}) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.stopped {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	case <-abort:
		return false
	}
}

// shutdown closes done, waits out posts already in flight, then releases
// anything still queued.
func (m *Machine) shutdown() {
	close(m.done)
	m.postMu.Lock()
	m.stopped = true
	m.postMu.Unlock()
	for {
		select {
		case ev := <-m.events:
			switch e := ev.(type) {
			case connectResult:
				releaseLate(e)
			case stopRequest:
				close(e.reply)
			case startRequest:
				e.reply <- ErrNotRunning
			}
		default:
			return
		}
	}
}

func releaseLate(r connectResult) {
	if r.stream != nil {
		_ = r.stream.Release()
	}
	if r.channel != nil {
		_ = r.channel.Close()
	}
}

func asDeviceError(source string, err error) error {
	var devErr *capture.DeviceError
	if errors.As(err, &devErr) {
		return err
	}
	return &capture.DeviceError{Source: source, Err: err}
}

func asTransportError(url, op string, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return err
	}
	return &transport.Error{Op: op, URL: url, Err: err}
}

func inactivityCheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}
