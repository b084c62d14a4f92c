// Package media_sdp связывает медиа плоскость с внешним уровнем звонков:
// строит локальное SDP описание для offer/answer обмена, который ведет
// уровень звонков, и извлекает RTP точку удаленной стороны из описания
// собеседника. Поддерживается единственный кодек PCMU/8000 плюс
// telephone-event; машины состояний переговоров здесь нет.
package media_sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	rtpnet "github.com/arzzra/ivr_media/pkg/rtp"
)

// RemoteMedia описывает RTP точку удаленной стороны, извлеченную
// из ее медиа описания
type RemoteMedia struct {
	// Address IP адрес или имя хоста удаленной стороны
	Address string

	// Port RTP порт удаленной стороны
	Port int

	// PayloadTypes заявленные payload types аудио секции
	PayloadTypes []uint8

	// HasPCMU признак наличия PCMU (payload type 0) среди заявленных
	HasPCMU bool

	// DTMFPayloadType payload type telephone-event, 0 если не заявлен
	DTMFPayloadType uint8

	// PtimeMs длительность кадра из атрибута ptime, 0 если не задан
	PtimeMs int
}

// RemoteAddr возвращает адрес удаленной стороны в виде "host:port"
func (r RemoteMedia) RemoteAddr() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

// BuildMediaSDP строит локальное описание сессии с единственной аудио
// секцией PCMU/8000. Хост 0.0.0.0 и :: заменяется адресом первого не
// loopback интерфейса, чтобы описание было маршрутизируемым.
func BuildMediaSDP(config MediaSDPConfig) (*sdp.SessionDescription, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(config.LocalAddr)
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, config.SessionID, err,
			"не удалось разобрать локальный адрес %q", config.LocalAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, config.SessionID, err,
			"некорректный порт %q", portStr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = localIPv4()
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	formats := []string{strconv.Itoa(rtpnet.PayloadTypePCMU)}
	if config.DTMFEnabled {
		formats = append(formats, strconv.Itoa(int(config.DTMFPayloadType)))
	}

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
	}

	attrs := []sdp.Attribute{
		sdp.NewPropertyAttribute("sendrecv"),
		sdp.NewAttribute("ptime", strconv.Itoa(int(config.Ptime/time.Millisecond))),
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMU/8000", rtpnet.PayloadTypePCMU)),
	}
	if config.DTMFEnabled {
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", config.DTMFPayloadType)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", config.DTMFPayloadType)),
		)
	}
	mediaDesc.Attributes = attrs

	desc.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}

	return desc, nil
}

// ExtractRemoteMedia извлекает RTP точку удаленной стороны из ее
// описания сессии и проверяет наличие PCMU. Адрес соединения ищется
// на уровне медиа, затем на уровне сессии, затем в origin. При
// отсутствии PCMU возвращаются разобранные параметры вместе с
// ошибкой ErrorCodeCodecMismatch.
func ExtractRemoteMedia(desc *sdp.SessionDescription) (RemoteMedia, error) {
	if desc == nil {
		return RemoteMedia{}, NewSDPError(ErrorCodeSDPParsing,
			"описание сессии не может быть nil")
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return RemoteMedia{}, NewSDPError(ErrorCodeNoAudioSection,
			"аудио секция не найдена в описании")
	}

	port := audio.MediaName.Port.Value
	if port <= 0 || port > 65535 {
		return RemoteMedia{}, NewSDPError(ErrorCodeSDPParsing,
			"аудио секция отклонена или порт некорректен: %d", port)
	}

	address := remoteAddress(audio, desc)
	if address == "" {
		return RemoteMedia{}, NewSDPError(ErrorCodeNoConnection,
			"информация о соединении не найдена в описании")
	}

	remote := RemoteMedia{
		Address: address,
		Port:    port,
	}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		remote.PayloadTypes = append(remote.PayloadTypes, uint8(pt))
		if pt == rtpnet.PayloadTypePCMU {
			remote.HasPCMU = true
		}
	}

	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "ptime":
			if ptime, err := strconv.Atoi(attr.Value); err == nil && ptime > 0 {
				remote.PtimeMs = ptime
			}
		case "rtpmap":
			if strings.Contains(attr.Value, "telephone-event") {
				parts := strings.SplitN(attr.Value, " ", 2)
				if pt, err := strconv.Atoi(parts[0]); err == nil && pt > 0 && pt <= 127 {
					remote.DTMFPayloadType = uint8(pt)
				}
			}
		}
	}

	if !remote.HasPCMU {
		return remote, NewSDPError(ErrorCodeCodecMismatch,
			"PCMU отсутствует среди payload types удаленной стороны: %v",
			audio.MediaName.Formats)
	}

	return remote, nil
}

// remoteAddress выбирает адрес соединения: уровень медиа, уровень
// сессии, затем origin. Пустая строка означает, что адрес не найден.
func remoteAddress(audio *sdp.MediaDescription, desc *sdp.SessionDescription) string {
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		return audio.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return desc.Origin.UnicastAddress
}

// localIPv4 возвращает первый не loopback IPv4 адрес интерфейсов
// либо 127.0.0.1, если таких адресов нет
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
