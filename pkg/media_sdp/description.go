package media_sdp

import (
	"strconv"
	"strings"
)

const crlf = "\r\n"

// Origin содержит поля строки o=
type Origin struct {
	Username    string
	SessionID   string
	Version     string
	NetworkType string
	AddressType string
	Address     string
}

// IsZero сообщает, что строка o= не была задана
func (o Origin) IsZero() bool {
	return o == Origin{}
}

// Connection содержит поля строки c=
type Connection struct {
	NetworkType string
	AddressType string
	Address     string
}

// IsZero сообщает, что строка c= не была задана
func (c Connection) IsZero() bool {
	return c == Connection{}
}

// MediaDescription описывает один блок m=.
//
// Порядок Formats отражает предпочтение кодеков и должен сохраняться.
// Attributes хранятся как непрозрачные строки без префикса "a=" в исходном
// порядке; типизированный доступ к rtpmap/fmtp нужен только слою
// согласования кодеков и DTMF.
type MediaDescription struct {
	Type       string
	Port       uint16
	Protocol   string
	Formats    []string
	Attributes []string
	Connection *Connection
}

// SessionDescription модель SDP сессии
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Media       []*MediaDescription
}

// AudioInfo адрес, порт и форматы первого аудио блока
type AudioInfo struct {
	Address string
	Port    uint16
	Formats []string
}

// Parse разбирает SDP текст.
//
// Парсер толерантный: строки с недостаточным числом токенов пропускаются,
// поле остается пустым. Строки a= привязываются к последнему блоку m=,
// a= до первого m= отбрасываются. Принимаются окончания строк CRLF и LF.
// ErrMalformedInput возвращается только если не распознано ни одной строки.
func Parse(text string) (*SessionDescription, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrMalformedInput
	}

	sd := &SessionDescription{}
	var current *MediaDescription
	recognized := false

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		line = strings.TrimSpace(line)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			recognized = true
			if v, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				sd.Version = v
			}
		case 'o':
			recognized = true
			fields := strings.Fields(value)
			if len(fields) < 6 {
				continue
			}
			sd.Origin = Origin{
				Username:    fields[0],
				SessionID:   fields[1],
				Version:     fields[2],
				NetworkType: fields[3],
				AddressType: fields[4],
				Address:     fields[5],
			}
		case 's':
			recognized = true
			sd.SessionName = value
		case 'c':
			recognized = true
			conn, ok := parseConnection(value)
			if !ok {
				continue
			}
			if current != nil {
				current.Connection = conn
			} else {
				sd.Connection = conn
			}
		case 'm':
			recognized = true
			media, ok := parseMedia(value)
			if !ok {
				// Атрибуты отброшенного блока не должны попасть в предыдущий
				current = nil
				continue
			}
			sd.Media = append(sd.Media, media)
			current = media
		case 'a':
			recognized = true
			if current == nil {
				continue
			}
			current.Attributes = append(current.Attributes, value)
		}
	}

	if !recognized {
		return nil, ErrMalformedInput
	}
	return sd, nil
}

func parseConnection(value string) (*Connection, bool) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return nil, false
	}
	// Для multicast адреса вида 224.2.1.1/127 TTL отбрасываем
	addr := fields[2]
	if i := strings.IndexByte(addr, '/'); i > 0 && !strings.Contains(addr, ":") {
		addr = addr[:i]
	}
	return &Connection{
		NetworkType: fields[0],
		AddressType: fields[1],
		Address:     addr,
	}, true
}

func parseMedia(value string) (*MediaDescription, bool) {
	fields := strings.Fields(value)
	if len(fields) < 4 {
		return nil, false
	}

	portToken := fields[1]
	if i := strings.IndexByte(portToken, '/'); i > 0 {
		portToken = portToken[:i]
	}
	port, err := strconv.ParseUint(portToken, 10, 16)
	if err != nil {
		return nil, false
	}

	formats := make([]string, len(fields)-3)
	copy(formats, fields[3:])

	return &MediaDescription{
		Type:     fields[0],
		Port:     uint16(port),
		Protocol: fields[2],
		Formats:  formats,
	}, true
}

// AudioMedia возвращает первый блок m=audio или nil
func AudioMedia(sd *SessionDescription) *MediaDescription {
	if sd == nil {
		return nil
	}
	for _, m := range sd.Media {
		if m.Type == "audio" {
			return m
		}
	}
	return nil
}

// GetAudioInfo возвращает первый аудио блок. Адрес блока m= имеет
// приоритет над адресом уровня сессии.
func GetAudioInfo(sd *SessionDescription) (*AudioInfo, bool) {
	m := AudioMedia(sd)
	if m == nil {
		return nil, false
	}
	info := &AudioInfo{
		Port:    m.Port,
		Formats: append([]string(nil), m.Formats...),
	}
	switch {
	case m.Connection != nil:
		info.Address = m.Connection.Address
	case sd.Connection != nil:
		info.Address = sd.Connection.Address
	}
	return info, true
}

// Rtpmap возвращает значение rtpmap блока для payload type токена
func (m *MediaDescription) Rtpmap(token string) (string, bool) {
	for _, v := range m.AttributeValues("rtpmap") {
		pt, _, _ := strings.Cut(v, " ")
		if pt == token {
			return v, true
		}
	}
	return "", false
}

// Build сериализует описание сессии.
//
// Порядок строк фиксирован: v=, o= (если задан), s=, c= (если задан),
// t=0 0, затем для каждого блока m=, его c= и a= в исходном порядке.
// Все строки завершаются CRLF.
func Build(sd *SessionDescription) string {
	var b strings.Builder

	b.WriteString("v=" + strconv.Itoa(sd.Version) + crlf)
	if !sd.Origin.IsZero() {
		o := sd.Origin
		b.WriteString("o=" + strings.Join([]string{
			o.Username, o.SessionID, o.Version, o.NetworkType, o.AddressType, o.Address,
		}, " ") + crlf)
	}

	name := sd.SessionName
	if name == "" {
		name = "-"
	}
	b.WriteString("s=" + name + crlf)

	if sd.Connection != nil && !sd.Connection.IsZero() {
		b.WriteString("c=" + formatConnection(sd.Connection) + crlf)
	}
	// Сессии не планируются, но строка t= обязательна
	b.WriteString("t=0 0" + crlf)

	for _, m := range sd.Media {
		b.WriteString("m=" + m.Type + " " + strconv.Itoa(int(m.Port)) + " " + m.Protocol)
		if len(m.Formats) > 0 {
			b.WriteString(" " + strings.Join(m.Formats, " "))
		}
		b.WriteString(crlf)
		if m.Connection != nil && !m.Connection.IsZero() {
			b.WriteString("c=" + formatConnection(m.Connection) + crlf)
		}
		for _, attr := range m.Attributes {
			b.WriteString("a=" + attr + crlf)
		}
	}

	return b.String()
}

func formatConnection(c *Connection) string {
	return c.NetworkType + " " + c.AddressType + " " + c.Address
}

// AttributeValues возвращает значения атрибутов блока с указанным ключом,
// например "rtpmap" для строк вида "rtpmap:0 PCMU/8000".
func (m *MediaDescription) AttributeValues(key string) []string {
	var values []string
	prefix := key + ":"
	for _, attr := range m.Attributes {
		if strings.HasPrefix(attr, prefix) {
			values = append(values, attr[len(prefix):])
		}
	}
	return values
}

// HasAttribute сообщает о наличии атрибута-флага (sendrecv, recvonly и т.п.)
func (m *MediaDescription) HasAttribute(name string) bool {
	for _, attr := range m.Attributes {
		if attr == name {
			return true
		}
	}
	return false
}
