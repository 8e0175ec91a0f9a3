package peer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/p2p_voice/pkg/media"
	"github.com/arzzra/p2p_voice/pkg/rtp"
)

func TestAddPeer(t *testing.T) {
	t.Run("повторный вызов возвращает ту же сессию", func(t *testing.T) {
		env := newTestEnv(t)

		first, err := env.orch.AddPeer("bob")
		require.NoError(t, err)
		second, err := env.orch.AddPeer("bob")
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, env.engine.created())
		assert.Len(t, env.orch.Sessions(), 1)
		assert.Equal(t, StateNegotiatingDescription, first.State())
		assert.Equal(t, RoleUnlocked, first.Role())
	})

	t.Run("ошибка движка", func(t *testing.T) {
		env := newTestEnv(t)
		env.engine.newErr = errors.New("no ice")

		_, err := env.orch.AddPeer("bob")
		require.Error(t, err)
		assert.True(t, IsNegotiationError(err))

		_, ok := env.orch.Session("bob")
		assert.False(t, ok)
		waitEvent(t, env.events, "bob", EventFailed)
	})

	t.Run("пустой идентификатор", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.orch.AddPeer("")
		assert.Error(t, err)
	})

	t.Run("параллельно с входящим offer", func(t *testing.T) {
		env := newTestEnv(t)
		offer := Description{Type: DescriptionOffer, SDP: "v=0 bob-offer"}

		const workers = 8
		errs := make(chan error, 2*workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := env.orch.AddPeer("bob")
				errs <- err
			}()
			go func() {
				defer wg.Done()
				errs <- env.orch.HandleRemoteDescription("bob", offer)
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 1, env.engine.created())

		s, ok := env.orch.Session("bob")
		require.True(t, ok)
		waitState(t, s, StateNegotiatingGathering)
		assert.Equal(t, RoleAnswerer, s.Role())
	})

	t.Run("задачи до создания соединения отклоняются", func(t *testing.T) {
		env := newTestEnv(t)
		s, err := env.orch.newSession("bob")
		require.NoError(t, err)
		t.Cleanup(s.queue.stop)

		err = s.do("remote_description", func() error {
			return s.handleRemoteDescription(Description{Type: DescriptionOffer, SDP: "v=0"})
		})
		assert.True(t, IsNegotiationError(err))
		assert.True(t, IsNegotiationError(s.do("generate_offer", s.generateOffer)))
		assert.True(t, IsNegotiationError(s.do("remote_candidate", func() error {
			return s.handleRemoteCandidate(Candidate{Candidate: "candidate:1", Mid: "0"})
		})))

		assert.Equal(t, StateIdle, s.State())
		assert.Equal(t, RoleUnlocked, s.Role())
		assert.Equal(t, 0, env.engine.created())
	})
}

func TestAnswererFlow(t *testing.T) {
	// Входящий offer: роль answerer, ответ публикуется после сбора кандидатов
	env := newTestEnv(t)
	offer := Description{Type: DescriptionOffer, SDP: "v=0...alice-offer"}

	require.NoError(t, env.orch.HandleRemoteDescription("alice", offer))

	s, ok := env.orch.Session("alice")
	require.True(t, ok)
	assert.Equal(t, RoleAnswerer, s.Role())

	conn := env.engine.conn("alice")
	assert.Equal(t, []Description{offer}, conn.remoteDescriptions())
	waitState(t, s, StateNegotiatingGathering)

	conn.gatherComplete()
	conn.connect()
	waitState(t, s, StateConnected)

	event := waitEvent(t, env.events, "alice", EventAnswerReady)
	var published map[string]string
	require.NoError(t, json.Unmarshal([]byte(event.Payload), &published))
	assert.Equal(t, "answer", published["type"])
	assert.Equal(t, "v=0 local-answer a=candidate:host", published["sdp"])

	sent := env.signaler.sentDescriptions("alice")
	require.Len(t, sent, 1)
	assert.Equal(t, DescriptionAnswer, sent[0].Type)

	local, ok := s.LocalDescription()
	require.True(t, ok)
	assert.Equal(t, sent[0], local)

	assert.Equal(t, []string{"alice"}, env.capture.Subscribers())
	assert.Equal(t, []string{"alice"}, env.mixer.Sources())
}

func TestOffererFlow(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.orch.GenerateOffer("bob"))
	s, ok := env.orch.Session("bob")
	require.True(t, ok)
	assert.Equal(t, RoleOfferer, s.Role())

	// Повторный запрос не создает второй offer
	require.NoError(t, env.orch.GenerateOffer("bob"))

	conn := env.engine.conn("bob")
	waitState(t, s, StateNegotiatingGathering)
	assert.Equal(t, 1, conn.offers)

	conn.gatherComplete()
	waitEvent(t, env.events, "bob", EventOfferReady)
	require.Len(t, env.signaler.sentDescriptions("bob"), 1)
	assert.Equal(t, DescriptionOffer, env.signaler.sentDescriptions("bob")[0].Type)

	answer := Description{Type: DescriptionAnswer, SDP: "v=0 bob-answer"}
	require.NoError(t, env.orch.HandleRemoteDescription("bob", answer))
	assert.Equal(t, []Description{answer}, conn.remoteDescriptions())
	assert.Zero(t, conn.answers)

	conn.connect()
	waitState(t, s, StateConnected)
}

func TestConnectRequiresGathering(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.orch.HandleRemoteDescription("carol", Description{Type: DescriptionOffer, SDP: "v=0 carol"}))

	s, _ := env.orch.Session("carol")
	conn := env.engine.conn("carol")

	conn.connect()
	// Очередь сессии упорядочена: после этого вызова колбэк connect уже обработан
	require.NoError(t, env.orch.HandleRemoteCandidate("carol", Candidate{Candidate: "candidate:x", Mid: "0"}))
	assert.Equal(t, StateNegotiatingGathering, s.State())
	assert.Empty(t, env.signaler.sentDescriptions("carol"))

	conn.handler.OnGatheringStateChange(GatheringComplete)
	waitState(t, s, StateConnected)
}

func TestRoleConflicts(t *testing.T) {
	t.Run("offer после входящего offer", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.orch.HandleRemoteDescription("alice", Description{Type: DescriptionOffer, SDP: "v=0 a"}))

		err := env.orch.GenerateOffer("alice")
		require.Error(t, err)
		assert.True(t, IsNegotiationError(err))

		s, _ := env.orch.Session("alice")
		assert.Equal(t, RoleAnswerer, s.Role())
		assert.False(t, s.State().IsTerminal())
	})

	t.Run("встречный offer", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.orch.GenerateOffer("bob"))

		err := env.orch.HandleRemoteDescription("bob", Description{Type: DescriptionOffer, SDP: "v=0 b"})
		require.Error(t, err)
		assert.True(t, IsNegotiationError(err))
		assert.Empty(t, env.engine.conn("bob").remoteDescriptions())
	})

	t.Run("answer без offer", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.orch.HandleRemoteDescription("dave", Description{Type: DescriptionAnswer, SDP: "v=0 d"})
		require.Error(t, err)

		s, ok := env.orch.Session("dave")
		require.True(t, ok)
		assert.Equal(t, RoleUnlocked, s.Role())
	})

	t.Run("неизвестный тип", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.orch.HandleRemoteDescription("eve", Description{Type: "pranswer", SDP: "v=0"})
		require.Error(t, err)
		_, ok := env.orch.Session("eve")
		assert.False(t, ok)
	})

	t.Run("тип локального описания не совпадает с ролью", func(t *testing.T) {
		env := newTestEnv(t)
		s, err := env.orch.AddPeer("frank")
		require.NoError(t, err)

		env.engine.conn("frank").handler.OnLocalDescription(Description{Type: DescriptionAnswer, SDP: "v=0"})
		waitState(t, s, StateFailed)
		event := waitEvent(t, env.events, "frank", EventFailed)
		assert.True(t, IsNegotiationError(event.Err))
	})
}

func TestDuplicateRemoteDescription(t *testing.T) {
	env := newTestEnv(t)
	offer := Description{Type: DescriptionOffer, SDP: "v=0 dup"}

	require.NoError(t, env.orch.HandleRemoteDescription("alice", offer))
	require.NoError(t, env.orch.HandleRemoteDescription("alice", offer))

	conn := env.engine.conn("alice")
	assert.Len(t, conn.remoteDescriptions(), 1)
	assert.Equal(t, 1, conn.answers)
	assert.Equal(t, 1, env.engine.created())

	err := env.orch.HandleRemoteDescription("alice", Description{Type: DescriptionOffer, SDP: "v=0 other"})
	assert.True(t, IsNegotiationError(err))
}

func TestEngineRejectsDescription(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.orch.AddPeer("alice")
	require.NoError(t, err)
	conn := env.engine.conn("alice")
	conn.setRemoteErr = errors.New("bad sdp")

	err = env.orch.HandleRemoteDescription("alice", Description{Type: DescriptionOffer, SDP: "garbage"})
	require.Error(t, err)
	assert.True(t, IsNegotiationError(err))

	assert.Equal(t, StateFailed, s.State())
	assert.True(t, conn.isClosed())
	_, ok := env.orch.Session("alice")
	assert.False(t, ok)
	waitEvent(t, env.events, "alice", EventFailed)

	// Сессия удалена: отправка отклоняется
	err = env.orch.SendFrame("alice", []byte{1})
	assert.True(t, media.IsSessionClosed(err))
	assert.True(t, media.IsSessionClosed(s.SendFrame([]byte{1})))
	assert.True(t, media.IsSessionClosed(s.ReceivePacket(make([]byte, 20))))
}

func TestRemoteCandidates(t *testing.T) {
	t.Run("до удаленного описания кандидаты откладываются", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.orch.AddPeer("alice")
		require.NoError(t, err)
		conn := env.engine.conn("alice")

		c1 := Candidate{Candidate: "candidate:1", Mid: "0"}
		c2 := Candidate{Candidate: "candidate:2", Mid: "0"}
		require.NoError(t, env.orch.HandleRemoteCandidate("alice", c1))
		require.NoError(t, env.orch.HandleRemoteCandidate("alice", c1))
		assert.Empty(t, conn.remoteCandidates())

		require.NoError(t, env.orch.HandleRemoteDescription("alice", Description{Type: DescriptionOffer, SDP: "v=0"}))
		assert.Equal(t, []Candidate{c1}, conn.remoteCandidates())

		require.NoError(t, env.orch.HandleRemoteCandidate("alice", c2))
		require.NoError(t, env.orch.HandleRemoteCandidate("alice", c2))
		assert.Equal(t, []Candidate{c1, c2}, conn.remoteCandidates())
	})

	t.Run("неизвестный участник игнорируется", func(t *testing.T) {
		env := newTestEnv(t)
		assert.NoError(t, env.orch.HandleRemoteCandidate("ghost", Candidate{Candidate: "candidate:1"}))
		assert.Zero(t, env.engine.created())
	})

	t.Run("отклоненный кандидат при согласовании", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.orch.HandleRemoteDescription("alice", Description{Type: DescriptionOffer, SDP: "v=0"}))
		s, _ := env.orch.Session("alice")
		env.engine.conn("alice").addCandErr = errors.New("bad candidate")

		err := env.orch.HandleRemoteCandidate("alice", Candidate{Candidate: "candidate:bad"})
		assert.True(t, IsNegotiationError(err))
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("отклоненный кандидат после подключения не рвет сессию", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.connectAnswerer(t, "alice")
		env.engine.conn("alice").addCandErr = errors.New("late candidate")

		err := env.orch.HandleRemoteCandidate("alice", Candidate{Candidate: "candidate:late"})
		assert.Error(t, err)
		assert.Equal(t, StateConnected, s.State())
	})
}

func TestTransportLoss(t *testing.T) {
	t.Run("сбой при согласовании", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.orch.GenerateOffer("bob"))
		s, _ := env.orch.Session("bob")

		env.engine.conn("bob").handler.OnConnectionStateChange(ConnectionFailed)
		waitState(t, s, StateFailed)
		waitEvent(t, env.events, "bob", EventFailed)
	})

	t.Run("разрыв после подключения", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.connectAnswerer(t, "alice")
		require.NoError(t, s.PlaybackQueue().Push(make([]byte, 320)))

		env.engine.conn("alice").handler.OnConnectionStateChange(ConnectionFailed)
		waitState(t, s, StateClosed)
		waitEvent(t, env.events, "alice", EventClosed)

		assert.Empty(t, env.capture.Subscribers())
		assert.Empty(t, env.mixer.Sources())
		assert.Zero(t, s.PlaybackQueue().Len())
		assert.True(t, env.engine.conn("alice").isClosed())

		_, ok := env.orch.Session("alice")
		assert.False(t, ok)
		assert.Equal(t, 0, env.events.count("alice", EventFailed))
	})

	t.Run("временная потеря связи", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.connectAnswerer(t, "alice")

		env.engine.conn("alice").handler.OnConnectionStateChange(ConnectionDisconnected)
		require.NoError(t, env.orch.HandleRemoteCandidate("alice", Candidate{Candidate: "candidate:sync"}))
		assert.Equal(t, StateConnected, s.State())
	})
}

func TestClosePeer(t *testing.T) {
	env := newTestEnv(t)
	s := env.connectAnswerer(t, "alice")

	require.NoError(t, env.orch.ClosePeer("alice"))
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, media.IsSessionClosed(env.orch.ClosePeer("alice")))

	// Новая сессия создается заново, а не восстанавливается
	fresh, err := env.orch.AddPeer("alice")
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
	assert.Equal(t, 2, env.engine.created())
}

func TestCaptureToTransport(t *testing.T) {
	// Кадр захвата из 960 сэмплов тишины превращается в пакет 12 + длина кадра
	env := newTestEnv(t)
	s := env.connectAnswerer(t, "alice")
	conn := env.engine.conn("alice")

	env.device.push(make([]int16, 960))
	env.device.push(make([]int16, 960))

	packets := conn.packets()
	require.Len(t, packets, 2)
	assert.Len(t, packets[0], rtp.HeaderSize+10)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(packets[0][2:4]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(packets[1][2:4]))
	assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(packets[0][4:8]))
	assert.Equal(t, rtp.DefaultSSRC, binary.BigEndian.Uint32(packets[0][8:12]))
	assert.Equal(t, uint64(2), s.Info().FramesSent)

	t.Run("кадры не уходят несогласованной сессии", func(t *testing.T) {
		pending, err := env.orch.AddPeer("bob")
		require.NoError(t, err)
		require.NoError(t, pending.SendFrame([]byte{1}))
		assert.Empty(t, env.engine.conn("bob").packets())
	})
}

func TestTransportToPlayback(t *testing.T) {
	t.Run("короткий пакет отбрасывается", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.connectAnswerer(t, "alice")

		env.engine.conn("alice").handler.OnTrackData(make([]byte, 8))
		assert.Zero(t, env.decoder.callCount())
		assert.Zero(t, s.PlaybackQueue().Len())
	})

	t.Run("кадр декодируется в очередь", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.connectAnswerer(t, "alice")

		packet := append(make([]byte, rtp.HeaderSize), 0x05, 0x06)
		require.NoError(t, s.ReceivePacket(packet))
		assert.Equal(t, 1920, s.PlaybackQueue().Len())

		pcm := media.BytesToSamples(env.mixer.Pull(4))
		assert.Equal(t, []int16{5, 5}, pcm)
		assert.Equal(t, uint64(1), s.Info().FramesRecv)
	})

	t.Run("поврежденный кадр заменяется тишиной", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.connectAnswerer(t, "alice")

		packet := append(make([]byte, rtp.HeaderSize), 0xff)
		require.NoError(t, s.ReceivePacket(packet))
		assert.Equal(t, make([]byte, 1920), s.PlaybackQueue().Pull(1920))
	})
}

func TestTrickleCandidates(t *testing.T) {
	t.Run("по умолчанию кандидаты только в описании", func(t *testing.T) {
		env := newTestEnv(t)
		env.connectAnswerer(t, "alice")
		waitEvent(t, env.events, "alice", EventLocalCandidate)
		assert.Empty(t, env.signaler.sentCandidates("alice"))
	})

	t.Run("trickle включен", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.TrickleCandidates = true })
		env.connectAnswerer(t, "alice")

		sent := env.signaler.sentCandidates("alice")
		require.Len(t, sent, 1)
		assert.Equal(t, "0", sent[0].Mid)
	})
}

func TestSignalingFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.signaler.err = errors.New("relay down")

	require.NoError(t, env.orch.GenerateOffer("bob"))
	s, _ := env.orch.Session("bob")
	env.engine.conn("bob").gatherComplete()

	waitEvent(t, env.events, "bob", EventOfferReady)
	assert.Equal(t, StateNegotiatingGathering, s.State())
}

func TestReapStale(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.AddPeer("slow")
	require.NoError(t, err)
	env.connectAnswerer(t, "fast")

	time.Sleep(20 * time.Millisecond)
	reaped := env.orch.ReapStale(10 * time.Millisecond)
	assert.Equal(t, []string{"slow"}, reaped)

	_, ok := env.orch.Session("slow")
	assert.False(t, ok)
	_, ok = env.orch.Session("fast")
	assert.True(t, ok)
}

func TestOrchestratorClose(t *testing.T) {
	env := newTestEnv(t)
	env.connectAnswerer(t, "alice")
	_, err := env.orch.AddPeer("bob")
	require.NoError(t, err)

	require.NoError(t, env.orch.Close())
	assert.Empty(t, env.orch.Sessions())

	_, err = env.orch.AddPeer("carol")
	assert.True(t, media.IsSessionClosed(err))
}

func TestCloseFromObserver(t *testing.T) {
	env := newTestEnv(t)

	closed := make(chan error, 1)
	var once sync.Once
	env.orch.AddObserver(ObserverFunc(func(e Event) {
		if e.PeerID == "bob" && e.Type == EventStateChanged {
			once.Do(func() { closed <- env.orch.Close() })
		}
	}))

	_, err := env.orch.AddPeer("bob")
	require.NoError(t, err)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close из обработчика наблюдателя не вернулся")
	}
	assert.Empty(t, env.orch.Sessions())
	waitEvent(t, env.events, "bob", EventClosed)
}

func TestDescriptionJSON(t *testing.T) {
	desc := Description{Type: DescriptionOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}

	parsed, err := ParseDescription([]byte(desc.JSON()))
	require.NoError(t, err)
	assert.Equal(t, desc, parsed)

	_, err = ParseDescription([]byte(`{"type":"rollback","sdp":""}`))
	assert.Error(t, err)
}
