// Package media_sdp разбирает описания сессий (SDP) голосового потока.
//
// Транспортный движок сам согласует описания; пакет проверяет удаленное
// описание до передачи движку: наличие аудио секции, поддержку Opus,
// направление потока и ptime. Результат используется для логирования и
// отклонения несовместимых предложений до начала ICE.
package media_sdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/p2p_voice/pkg/rtp"
)

// CodecOpus имя кодека в rtpmap
const CodecOpus = "opus"

// AudioSection сведения об аудио секции описания
type AudioSection struct {
	Mid         string
	PayloadType rtp.PayloadType
	Codec       string
	ClockRate   uint32
	Channels    int
	Fmtp        string
	Direction   rtp.Direction // Направление с точки зрения удаленной стороны
	Ptime       time.Duration // 0 если не указан
	Candidates  int           // Количество a=candidate в секции
}

// LocalDirection направление с нашей стороны
func (a *AudioSection) LocalDirection() rtp.Direction {
	return a.Direction.Reverse()
}

// RequireReceive отклоняет секцию, в которой удаленная сторона не передает звук
func (a *AudioSection) RequireReceive() error {
	if !a.LocalDirection().CanReceive() {
		return NewSDPError(ErrorCodeInvalidDirection, "удаленная сторона не передает звук (%s)", a.Direction)
	}
	return nil
}

// Parse разбирает текст SDP
func Parse(sdpText string) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.UnmarshalString(sdpText); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, err, "не удалось разобрать SDP")
	}
	return desc, nil
}

// InspectAudio находит первую аудио секцию с кодеком codecName.
func InspectAudio(sdpText, codecName string) (*AudioSection, error) {
	desc, err := Parse(sdpText)
	if err != nil {
		return nil, err
	}

	var audioMedia *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audioMedia = md
			break
		}
	}
	if audioMedia == nil {
		return nil, NewSDPError(ErrorCodeNoAudioSection, "в описании нет аудио секции")
	}

	section := &AudioSection{}
	if err := selectCodec(audioMedia, codecName, section); err != nil {
		return nil, err
	}

	section.Direction = parseDirection(audioMedia)
	section.Ptime = parsePtime(audioMedia)
	if mid, ok := audioMedia.Attribute("mid"); ok {
		section.Mid = mid
	}
	for _, attr := range audioMedia.Attributes {
		if attr.Key == "candidate" {
			section.Candidates++
		}
	}

	return section, nil
}

// selectCodec ищет payload type, чей rtpmap соответствует кодеку
func selectCodec(md *sdp.MediaDescription, codecName string, section *AudioSection) error {
	rtpmaps := make(map[string]string)
	fmtps := make(map[string]string)
	for _, attr := range md.Attributes {
		parts := strings.SplitN(attr.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		switch attr.Key {
		case "rtpmap":
			rtpmaps[parts[0]] = parts[1]
		case "fmtp":
			fmtps[parts[0]] = parts[1]
		}
	}

	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		rtpmap, ok := rtpmaps[format]
		if !ok {
			continue
		}

		// rtpmap: <encoding>/<clock rate>[/<channels>]
		parts := strings.Split(rtpmap, "/")
		if !strings.EqualFold(parts[0], codecName) {
			continue
		}

		section.PayloadType = rtp.PayloadType(pt)
		section.Codec = strings.ToLower(parts[0])
		section.Channels = 1
		if len(parts) > 1 {
			if rate, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
				section.ClockRate = uint32(rate)
			}
		}
		if len(parts) > 2 {
			if ch, err := strconv.Atoi(parts[2]); err == nil {
				section.Channels = ch
			}
		}
		section.Fmtp = fmtps[format]
		return nil
	}

	return NewSDPError(ErrorCodeIncompatibleCodec,
		"кодек %s не найден среди предложенных: %v", codecName, md.MediaName.Formats)
}

// parseDirection парсит направление медиа потока, по умолчанию sendrecv
func parseDirection(md *sdp.MediaDescription) rtp.Direction {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return rtp.ParseDirection(attr.Key)
		}
	}
	return rtp.DirectionSendRecv
}

// parsePtime парсит ptime в миллисекундах
func parsePtime(md *sdp.MediaDescription) time.Duration {
	value, ok := md.Attribute("ptime")
	if !ok {
		return 0
	}
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// OpusFmtp формирует строку fmtp для Opus с целевым битрейтом
func OpusFmtp(bitrate int, inbandFEC bool) string {
	fec := 0
	if inbandFEC {
		fec = 1
	}
	line := fmt.Sprintf("minptime=10;useinbandfec=%d", fec)
	if bitrate > 0 {
		line += fmt.Sprintf(";maxaveragebitrate=%d", bitrate)
	}
	return line
}

// FmtpParams разбирает строку fmtp в map параметров
func FmtpParams(fmtp string) map[string]string {
	params := make(map[string]string)
	for _, kv := range strings.Split(fmtp, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			params[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		} else {
			params[parts[0]] = ""
		}
	}
	return params
}
