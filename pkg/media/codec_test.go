package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEncoder записывает фиксированное число байт, либо возвращает заданный результат
type fakeEncoder struct {
	size  int
	n     int // если не 0, возвращается вместо size
	err   error
	calls int
}

func (e *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.calls++
	if e.err != nil {
		return 0, e.err
	}
	if e.n != 0 {
		return e.n, nil
	}
	for i := 0; i < e.size; i++ {
		data[i] = byte(i)
	}
	return e.size, nil
}

// fakeDecoder заполняет samples сэмплов на канал значением 7
type fakeDecoder struct {
	samples  int
	channels int
	err      error
}

func (d *fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	ch := d.channels
	if ch == 0 {
		ch = 1
	}
	for i := 0; i < d.samples*ch && i < len(pcm); i++ {
		pcm[i] = 7
	}
	return d.samples, nil
}

func newTestCodec(t *testing.T, enc Encoder, dec Decoder) *CodecAdapter {
	t.Helper()
	codec, err := NewCodecAdapter(DefaultAudioFormat(), enc, dec)
	require.NoError(t, err)
	return codec
}

func TestCodecAdapterEncode(t *testing.T) {
	t.Run("кадр правильного размера", func(t *testing.T) {
		enc := &fakeEncoder{size: 80}
		codec := newTestCodec(t, enc, nil)

		frame, err := codec.Encode(make([]int16, 960))
		require.NoError(t, err)
		assert.Len(t, frame, 80)
		assert.LessOrEqual(t, len(frame), MaxFrameBytes)
		assert.Equal(t, byte(79), frame[79])
	})

	tests := []struct {
		name    string
		samples int
		enc     *fakeEncoder
	}{
		{"короткий кадр", 959, &fakeEncoder{size: 10}},
		{"длинный кадр", 1920, &fakeEncoder{size: 10}},
		{"пустой кадр", 0, &fakeEncoder{size: 10}},
		{"ошибка кодека", 960, &fakeEncoder{err: errors.New("boom")}},
		{"отрицательная длина", 960, &fakeEncoder{n: -3}},
		{"длина больше буфера", 960, &fakeEncoder{n: MaxFrameBytes + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := newTestCodec(t, tt.enc, nil)

			frame, err := codec.Encode(make([]int16, tt.samples))
			require.Error(t, err)
			assert.Nil(t, frame)
			assert.True(t, errors.Is(err, ErrEncode))
			assert.True(t, HasErrorCode(err, ErrorCodeEncodeFailed))
			assert.True(t, IsFrameError(err))
		})
	}

	t.Run("стерео: длина не кратна каналам", func(t *testing.T) {
		format := DefaultAudioFormat()
		format.Channels = 2
		codec, err := NewCodecAdapter(format, &fakeEncoder{size: 10}, nil)
		require.NoError(t, err)

		_, err = codec.Encode(make([]int16, 1919))
		require.Error(t, err)

		var audioErr *AudioError
		require.True(t, errors.As(err, &audioErr))
		assert.Equal(t, 1920, audioErr.ExpectedSize)
		assert.Equal(t, 1919, audioErr.ActualSize)
	})
}

func TestCodecAdapterDecode(t *testing.T) {
	tests := []struct {
		name    string
		samples int
	}{
		{"полный кадр", 960},
		{"короткий кадр дополняется тишиной", 480},
		{"длинный кадр обрезается", 2880},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := newTestCodec(t, nil, &fakeDecoder{samples: tt.samples})

			pcm, err := codec.Decode([]byte{0x01, 0x02})
			require.NoError(t, err)
			require.Len(t, pcm, 960)

			filled := tt.samples
			if filled > 960 {
				filled = 960
			}
			assert.Equal(t, int16(7), pcm[filled-1])
			if filled < 960 {
				assert.Equal(t, int16(0), pcm[filled])
			}
		})
	}

	t.Run("пустой кадр", func(t *testing.T) {
		codec := newTestCodec(t, nil, &fakeDecoder{samples: 960})
		_, err := codec.Decode(nil)
		assert.True(t, errors.Is(err, ErrDecode))
	})

	t.Run("ошибка кодека и подстановка тишины", func(t *testing.T) {
		codec := newTestCodec(t, nil, &fakeDecoder{err: errors.New("corrupted")})

		pcm, err := codec.Decode([]byte{0xff})
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrorCodeDecodeFailed))
		assert.Nil(t, pcm)

		silence := codec.Silence()
		assert.Len(t, silence, 960)
		assert.Equal(t, make([]int16, 960), silence)
	})
}

func TestCodecLengthRoundTrip(t *testing.T) {
	// Для любого корректного кадра decode(encode(x)) имеет ровно 960 сэмплов
	codec := newTestCodec(t, &fakeEncoder{size: 60}, &fakeDecoder{samples: 960})

	for i := 0; i < 10; i++ {
		pcm := make([]int16, 960)
		for j := range pcm {
			pcm[j] = int16(i * j)
		}
		frame, err := codec.Encode(pcm)
		require.NoError(t, err)

		decoded, err := codec.Decode(frame)
		require.NoError(t, err)
		assert.Len(t, decoded, 960)
	}
}

func TestNewCodecAdapter(t *testing.T) {
	t.Run("без кодеков", func(t *testing.T) {
		_, err := NewCodecAdapter(DefaultAudioFormat(), nil, nil)
		assert.True(t, HasErrorCode(err, ErrorCodeConfigInvalid))
	})

	t.Run("некорректный формат", func(t *testing.T) {
		format := DefaultAudioFormat()
		format.SampleRate = 44100
		_, err := NewCodecAdapter(format, &fakeEncoder{}, nil)
		assert.Error(t, err)
	})
}
