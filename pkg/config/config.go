// Package config загружает конфигурацию soft_pbx из ini файла.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"

	"github.com/arzzra/soft_pbx/pkg/logging"
)

// Config полная конфигурация процесса
type Config struct {
	SIP     SIPConfig
	Media   MediaConfig
	DTMF    DTMFConfig
	Call    CallConfig
	Logging logging.Config
	Metrics MetricsConfig
	Phones  []PhoneProfile
	// Routes секция [routes]: набранный номер -> сценарий
	// (bridge, menu, paging, emergency)
	Routes map[string]string
	// Paging устройства зоны оповещения из секции [paging]
	Paging []PagingDevice
	// Extensions секция [extensions]: номер -> SIP URI или host:port
	// вызываемого для сценариев bridge и emergency
	Extensions map[string]string
}

// SIPConfig секция [sip]
type SIPConfig struct {
	ListenAddr string
	Transport  string
	Hostname   string
	UserAgent  string
	// DefaultFlow сценарий для номеров без записи в [routes]
	DefaultFlow string
}

// MediaConfig секция [media]
type MediaConfig struct {
	PublicIP string
	BindIP   string
	PortMin  int
	PortMax  int
	// RandomPorts выбирать пары портов случайно, а не последовательно
	RandomPorts     bool
	ReceiveTimeout  time.Duration
	MaxWriteErrors  int
	DTMFPayloadType uint8
	ILBCMode        int
	// ProfileCodecs порядок кодеков для профилей [phone.*] без своего
	// списка. Звонок без SDP offer этот список не использует.
	ProfileCodecs   []string
	DSCP            int
}

// DTMFConfig секция [dtmf]
type DTMFConfig struct {
	GraceWindow   time.Duration
	PollSlice     time.Duration
	InfoQueueSize int
	Volume        int
}

// CallConfig секция [call]
type CallConfig struct {
	MenuIdleTimeout  time.Duration
	SessionTimeout   time.Duration
	RingbackDuration time.Duration
}

// MetricsConfig секция [metrics]
type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
	Namespace  string
}

// PhoneProfile дополнительная запись каталога устройств из секции
// [phone.<model>]
type PhoneProfile struct {
	Model  string
	Match  string
	Codecs []string
}

// PagingDevice устройство оповещения, запись вида
// <id> = <host>:<rtp port>
type PagingDevice struct {
	ID   string
	Host string
	Port uint16
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		SIP: SIPConfig{
			ListenAddr: "0.0.0.0:5060",
			Transport:  "udp",
			Hostname:   "localhost",
			UserAgent:  "soft_pbx",

			DefaultFlow: "bridge",
		},
		Media: MediaConfig{
			PublicIP:        "127.0.0.1",
			BindIP:          "0.0.0.0",
			PortMin:         10000,
			PortMax:         20000,
			ReceiveTimeout:  100 * time.Millisecond,
			MaxWriteErrors:  50,
			DTMFPayloadType: 101,
			ILBCMode:        30,
			ProfileCodecs:   []string{"0", "8", "9", "18", "2", "101"},
			DSCP:            46, // EF
		},
		DTMF: DTMFConfig{
			GraceWindow:   200 * time.Millisecond,
			PollSlice:     50 * time.Millisecond,
			InfoQueueSize: 32,
			Volume:        10,
		},
		Call: CallConfig{
			MenuIdleTimeout:  10 * time.Second,
			SessionTimeout:   5 * time.Minute,
			RingbackDuration: 2 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9090",
			Namespace:  "soft_pbx",
		},
		Routes:     map[string]string{},
		Extensions: map[string]string{},
	}
}

// Load читает конфигурацию из файла
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
	}
	return fromFile(f)
}

// Parse читает конфигурацию из содержимого ini файла
func Parse(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	c := Default()

	sec := f.Section("sip")
	c.SIP.ListenAddr = sec.Key("listen").MustString(c.SIP.ListenAddr)
	c.SIP.Transport = strings.ToLower(sec.Key("transport").MustString(c.SIP.Transport))
	c.SIP.Hostname = sec.Key("hostname").MustString(c.SIP.Hostname)
	c.SIP.UserAgent = sec.Key("user_agent").MustString(c.SIP.UserAgent)
	c.SIP.DefaultFlow = strings.ToLower(sec.Key("default_flow").MustString(c.SIP.DefaultFlow))

	sec = f.Section("media")
	c.Media.PublicIP = sec.Key("public_ip").MustString(c.Media.PublicIP)
	c.Media.BindIP = sec.Key("bind_ip").MustString(c.Media.BindIP)
	c.Media.PortMin = sec.Key("port_min").MustInt(c.Media.PortMin)
	c.Media.PortMax = sec.Key("port_max").MustInt(c.Media.PortMax)
	c.Media.RandomPorts = sec.Key("random_ports").MustBool(c.Media.RandomPorts)
	c.Media.ReceiveTimeout = sec.Key("receive_timeout").MustDuration(c.Media.ReceiveTimeout)
	c.Media.MaxWriteErrors = sec.Key("max_write_errors").MustInt(c.Media.MaxWriteErrors)
	c.Media.DTMFPayloadType = uint8(sec.Key("dtmf_payload_type").MustUint(uint(c.Media.DTMFPayloadType)))
	c.Media.ILBCMode = sec.Key("ilbc_mode").MustInt(c.Media.ILBCMode)
	if sec.HasKey("codecs") {
		c.Media.ProfileCodecs = sec.Key("codecs").Strings(",")
	}
	c.Media.DSCP = sec.Key("dscp").MustInt(c.Media.DSCP)

	sec = f.Section("dtmf")
	c.DTMF.GraceWindow = sec.Key("grace_window").MustDuration(c.DTMF.GraceWindow)
	c.DTMF.PollSlice = sec.Key("poll_slice").MustDuration(c.DTMF.PollSlice)
	c.DTMF.InfoQueueSize = sec.Key("info_queue_size").MustInt(c.DTMF.InfoQueueSize)
	c.DTMF.Volume = sec.Key("volume").MustInt(c.DTMF.Volume)

	sec = f.Section("call")
	c.Call.MenuIdleTimeout = sec.Key("menu_idle_timeout").MustDuration(c.Call.MenuIdleTimeout)
	c.Call.SessionTimeout = sec.Key("session_timeout").MustDuration(c.Call.SessionTimeout)
	c.Call.RingbackDuration = sec.Key("ringback_duration").MustDuration(c.Call.RingbackDuration)

	sec = f.Section("logging")
	c.Logging.Level = sec.Key("level").MustString(c.Logging.Level)
	c.Logging.Format = sec.Key("format").MustString(c.Logging.Format)
	c.Logging.Console = sec.Key("console").MustBool(c.Logging.Console)
	c.Logging.File = sec.Key("file").MustString(c.Logging.File)
	c.Logging.MaxSizeMB = sec.Key("max_size_mb").MustInt(c.Logging.MaxSizeMB)
	c.Logging.MaxBackups = sec.Key("max_backups").MustInt(c.Logging.MaxBackups)
	c.Logging.MaxAgeDays = sec.Key("max_age_days").MustInt(c.Logging.MaxAgeDays)

	sec = f.Section("metrics")
	c.Metrics.Enabled = sec.Key("enabled").MustBool(c.Metrics.Enabled)
	c.Metrics.ListenAddr = sec.Key("listen").MustString(c.Metrics.ListenAddr)
	c.Metrics.Namespace = sec.Key("namespace").MustString(c.Metrics.Namespace)

	for _, child := range f.Section("phone").ChildSections() {
		model := strings.TrimPrefix(child.Name(), "phone.")
		c.Phones = append(c.Phones, PhoneProfile{
			Model:  model,
			Match:  strings.ToLower(child.Key("match").MustString(model)),
			Codecs: child.Key("codecs").Strings(","),
		})
	}
	// профиль без codecs использует порядок из [media]
	for i := range c.Phones {
		if len(c.Phones[i].Codecs) == 0 {
			c.Phones[i].Codecs = append([]string(nil), c.Media.ProfileCodecs...)
		}
	}

	for _, key := range f.Section("routes").Keys() {
		c.Routes[key.Name()] = strings.ToLower(strings.TrimSpace(key.Value()))
	}

	for _, key := range f.Section("extensions").Keys() {
		c.Extensions[key.Name()] = strings.TrimSpace(key.Value())
	}

	for _, key := range f.Section("paging").Keys() {
		host, port, err := net.SplitHostPort(strings.TrimSpace(key.Value()))
		if err != nil {
			return nil, fmt.Errorf("paging.%s: %w", key.Name(), err)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("paging.%s: некорректный порт %q", key.Name(), port)
		}
		c.Paging = append(c.Paging, PagingDevice{ID: key.Name(), Host: host, Port: uint16(p)})
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	if c.SIP.ListenAddr == "" {
		return fmt.Errorf("sip.listen не задан")
	}
	switch c.SIP.Transport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("неподдерживаемый sip.transport %q", c.SIP.Transport)
	}

	if c.Media.PortMin <= 0 || c.Media.PortMax > 65535 {
		return fmt.Errorf("диапазон RTP портов %d-%d вне допустимых значений", c.Media.PortMin, c.Media.PortMax)
	}
	if c.Media.PortMin >= c.Media.PortMax {
		return fmt.Errorf("media.port_min (%d) должен быть меньше media.port_max (%d)", c.Media.PortMin, c.Media.PortMax)
	}
	if c.Media.ReceiveTimeout <= 0 {
		return fmt.Errorf("media.receive_timeout должен быть положительным")
	}
	if c.Media.DTMFPayloadType < 96 || c.Media.DTMFPayloadType > 127 {
		return fmt.Errorf("media.dtmf_payload_type %d вне динамического диапазона 96-127", c.Media.DTMFPayloadType)
	}
	if c.Media.ILBCMode != 20 && c.Media.ILBCMode != 30 {
		return fmt.Errorf("media.ilbc_mode должен быть 20 или 30, получено %d", c.Media.ILBCMode)
	}
	if c.Media.DSCP < 0 || c.Media.DSCP > 63 {
		return fmt.Errorf("media.dscp %d вне диапазона 0-63", c.Media.DSCP)
	}

	if c.DTMF.GraceWindow <= 0 || c.DTMF.PollSlice <= 0 {
		return fmt.Errorf("интервалы dtmf должны быть положительными")
	}
	if c.DTMF.InfoQueueSize <= 0 {
		return fmt.Errorf("dtmf.info_queue_size должен быть положительным")
	}
	if c.DTMF.Volume < 0 || c.DTMF.Volume > 63 {
		return fmt.Errorf("dtmf.volume %d вне диапазона 0-63", c.DTMF.Volume)
	}

	if c.Call.MenuIdleTimeout <= 0 || c.Call.SessionTimeout <= 0 {
		return fmt.Errorf("таймауты call должны быть положительными")
	}
	if c.Call.MenuIdleTimeout > c.Call.SessionTimeout {
		return fmt.Errorf("call.menu_idle_timeout больше call.session_timeout")
	}

	for _, p := range c.Phones {
		if len(p.Codecs) == 0 {
			return fmt.Errorf("для телефона %s не задан список кодеков", p.Model)
		}
	}

	if !knownFlow(c.SIP.DefaultFlow) {
		return fmt.Errorf("неизвестный sip.default_flow %q", c.SIP.DefaultFlow)
	}
	for number, flow := range c.Routes {
		if !knownFlow(flow) {
			return fmt.Errorf("неизвестный сценарий %q для номера %s", flow, number)
		}
	}
	for number, target := range c.Extensions {
		if target == "" {
			return fmt.Errorf("extensions.%s: пустой адрес", number)
		}
	}
	return nil
}

func knownFlow(flow string) bool {
	switch flow {
	case "bridge", "menu", "paging", "emergency":
		return true
	}
	return false
}
