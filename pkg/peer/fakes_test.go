package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/media"
)

// fakeEngine транспортный движок для тестов: колбэки вызываются вручную
type fakeEngine struct {
	mutex  sync.Mutex
	conns  map[string]*fakeConn
	all    []*fakeConn
	newErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{conns: make(map[string]*fakeConn)}
}

func (e *fakeEngine) NewConnection(peerID string, handler EventHandler) (Connection, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.newErr != nil {
		return nil, e.newErr
	}
	c := &fakeConn{peerID: peerID, handler: handler}
	e.conns[peerID] = c
	e.all = append(e.all, c)
	return c, nil
}

func (e *fakeEngine) conn(peerID string) *fakeConn {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.conns[peerID]
}

func (e *fakeEngine) created() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.all)
}

type fakeConn struct {
	peerID  string
	handler EventHandler

	mutex        sync.Mutex
	offers       int
	answers      int
	remote       []Description
	candidates   []Candidate
	written      [][]byte
	local        *Description
	closed       bool
	setRemoteErr error
	addCandErr   error
	createErr    error
}

func (c *fakeConn) createLocal(t DescriptionType) error {
	c.mutex.Lock()
	if c.createErr != nil {
		c.mutex.Unlock()
		return c.createErr
	}
	desc := Description{Type: t, SDP: "v=0 local-" + string(t)}
	c.local = &desc
	if t == DescriptionOffer {
		c.offers++
	} else {
		c.answers++
	}
	c.mutex.Unlock()

	// Реальный движок тоже может вызвать колбэк синхронно
	c.handler.OnLocalDescription(desc)
	return nil
}

func (c *fakeConn) CreateOffer() error  { return c.createLocal(DescriptionOffer) }
func (c *fakeConn) CreateAnswer() error { return c.createLocal(DescriptionAnswer) }

func (c *fakeConn) SetRemoteDescription(desc Description) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.setRemoteErr != nil {
		return c.setRemoteErr
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *fakeConn) AddRemoteCandidate(cand Candidate) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.addCandErr != nil {
		return c.addCandErr
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

// LocalDescription возвращает описание с собранными кандидатами
func (c *fakeConn) LocalDescription() (Description, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.local == nil {
		return Description{}, false
	}
	return Description{Type: c.local.Type, SDP: c.local.SDP + " a=candidate:host"}, true
}

func (c *fakeConn) WritePacket(packet []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return errors.New("соединение закрыто")
	}
	c.written = append(c.written, append([]byte(nil), packet...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	c.handler.OnConnectionStateChange(ConnectionClosed)
	return nil
}

func (c *fakeConn) gatherComplete() {
	c.handler.OnGatheringStateChange(GatheringInProgress)
	c.handler.OnLocalCandidate(Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", Mid: "0"})
	c.handler.OnGatheringStateChange(GatheringComplete)
}

func (c *fakeConn) connect() {
	c.handler.OnConnectionStateChange(ConnectionConnecting)
	c.handler.OnConnectionStateChange(ConnectionConnected)
}

func (c *fakeConn) remoteDescriptions() []Description {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Description(nil), c.remote...)
}

func (c *fakeConn) remoteCandidates() []Candidate {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Candidate(nil), c.candidates...)
}

func (c *fakeConn) packets() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

// fakeSignaler запоминает исходящие сообщения
type fakeSignaler struct {
	mutex        sync.Mutex
	descriptions map[string][]Description
	candidates   map[string][]Candidate
	err          error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		descriptions: make(map[string][]Description),
		candidates:   make(map[string][]Candidate),
	}
}

func (s *fakeSignaler) SendDescription(peerID string, desc Description) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	s.descriptions[peerID] = append(s.descriptions[peerID], desc)
	return nil
}

func (s *fakeSignaler) SendCandidate(peerID string, c Candidate) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	s.candidates[peerID] = append(s.candidates[peerID], c)
	return nil
}

func (s *fakeSignaler) sentDescriptions(peerID string) []Description {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Description(nil), s.descriptions[peerID]...)
}

func (s *fakeSignaler) sentCandidates(peerID string) []Candidate {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Candidate(nil), s.candidates[peerID]...)
}

// eventRecorder собирает события сессий
type eventRecorder struct {
	mutex  sync.Mutex
	events []Event
}

func (r *eventRecorder) OnSessionEvent(e Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) find(peerID string, t EventType) (Event, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, e := range r.events {
		if e.PeerID == peerID && e.Type == t {
			return e, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) count(peerID string, t EventType) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, e := range r.events {
		if e.PeerID == peerID && e.Type == t {
			n++
		}
	}
	return n
}

// fakeEncoder возвращает кадр фиксированной длины
type fakeEncoder struct {
	size int
}

func (e *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	for i := 0; i < e.size; i++ {
		data[i] = 0xaa
	}
	return e.size, nil
}

// fakeDecoder заполняет кадр первым байтом входа; 0xff считается поврежденным кадром
type fakeDecoder struct {
	mutex sync.Mutex
	calls int
}

func (d *fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	d.mutex.Lock()
	d.calls++
	d.mutex.Unlock()

	if data[0] == 0xff {
		return 0, errors.New("поврежденный кадр")
	}
	for i := 0; i < 960; i++ {
		pcm[i] = int16(data[0])
	}
	return 960, nil
}

func (d *fakeDecoder) callCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.calls
}

// fakeCaptureDevice подает чанки вручную
type fakeCaptureDevice struct {
	mutex   sync.Mutex
	onChunk func(pcm []int16)
}

func (d *fakeCaptureDevice) Open(_ media.AudioFormat, onChunk func(pcm []int16)) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onChunk = onChunk
	return nil
}

func (d *fakeCaptureDevice) Close() error { return nil }

func (d *fakeCaptureDevice) push(pcm []int16) {
	d.mutex.Lock()
	cb := d.onChunk
	d.mutex.Unlock()
	cb(pcm)
}

// testEnv оркестратор с поддельными зависимостями
type testEnv struct {
	orch     *Orchestrator
	engine   *fakeEngine
	signaler *fakeSignaler
	events   *eventRecorder
	decoder  *fakeDecoder
	device   *fakeCaptureDevice
	capture  *media.CapturePipeline
	mixer    *media.PlaybackMixer
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{
		engine:   newFakeEngine(),
		signaler: newFakeSignaler(),
		events:   &eventRecorder{},
		decoder:  &fakeDecoder{},
		device:   &fakeCaptureDevice{},
		mixer:    media.NewPlaybackMixer(cfg.Format),
	}

	codec, err := media.NewCodecAdapter(cfg.Format, &fakeEncoder{size: 10}, nil)
	require.NoError(t, err)
	env.capture = media.NewCapturePipeline(env.device, codec, logging.Discard(), nil)
	require.NoError(t, env.capture.Start())

	env.orch, err = NewOrchestrator(cfg, Dependencies{
		Engine:   env.engine,
		Signaler: env.signaler,
		Decoders: func(media.AudioFormat) (media.Decoder, error) { return env.decoder, nil },
		Capture:  env.capture,
		Mixer:    env.mixer,
		Logger:   logging.Discard(),
		Clock:    func() uint32 { return 1000 },
	})
	require.NoError(t, err)
	env.orch.AddObserver(env.events)

	t.Cleanup(func() {
		_ = env.orch.Close()
		_ = env.capture.Stop()
	})
	return env
}

func waitState(t *testing.T, s *Session, state SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == state }, 2*time.Second, 2*time.Millisecond,
		"ожидалось состояние %s, текущее %s", state, s.State())
}

func waitEvent(t *testing.T, r *eventRecorder, peerID string, eventType EventType) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		e, ok := r.find(peerID, eventType)
		found = e
		return ok
	}, 2*time.Second, 2*time.Millisecond, "нет события %s для %s", eventType, peerID)
	return found
}

// connectAnswerer доводит входящую сессию до connected
func (env *testEnv) connectAnswerer(t *testing.T, peerID string) *Session {
	t.Helper()
	require.NoError(t, env.orch.HandleRemoteDescription(peerID, Description{Type: DescriptionOffer, SDP: "v=0 " + peerID + "-offer"}))

	s, ok := env.orch.Session(peerID)
	require.True(t, ok)
	waitState(t, s, StateNegotiatingGathering)

	conn := env.engine.conn(peerID)
	conn.gatherComplete()
	conn.connect()
	waitState(t, s, StateConnected)
	return s
}
