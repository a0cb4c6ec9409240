package codec_policy

import (
	"strings"
	"unicode"
)

// Catalog справочник возможностей SIP устройств
type Catalog interface {
	// DetectPhoneModel определяет модель устройства по User-Agent
	DetectPhoneModel(userAgent string) (string, bool)
	// CodecsForPhoneModel возвращает предпочтительный порядок кодеков
	// модели или defaults, если модель неизвестна
	CodecsForPhoneModel(model string, defaults []string) []string
}

// PhoneModel запись каталога. Match - начало слова в User-Agent без учета
// регистра: "algo" находит "Algo-8301", но не "Algorithmics".
type PhoneModel struct {
	Name   string
	Match  string
	Codecs []string
}

// DefaultPhoneModels встроенный набор профилей распространенных телефонов
// и пейджинговых адаптеров
func DefaultPhoneModels() []PhoneModel {
	return []PhoneModel{
		{Name: "yealink", Match: "yealink", Codecs: []string{"9", "0", "8", "18"}},
		{Name: "polycom", Match: "polycom", Codecs: []string{"9", "0", "8", "18"}},
		{Name: "grandstream", Match: "grandstream", Codecs: []string{"0", "8", "9", "18", "2"}},
		{Name: "cisco", Match: "cisco", Codecs: []string{"0", "8", "18"}},
		{Name: "snom", Match: "snom", Codecs: []string{"9", "8", "0", "18"}},
		{Name: "fanvil", Match: "fanvil", Codecs: []string{"0", "8", "9", "18"}},
		{Name: "linphone", Match: "linphone", Codecs: []string{"98", "0", "8", "9"}},
		{Name: "zoiper", Match: "zoiper", Codecs: []string{"0", "8", "97", "98", "9"}},
		{Name: "microsip", Match: "microsip", Codecs: []string{"9", "0", "8", "97"}},
		{Name: "obihai", Match: "obihai", Codecs: []string{"0", "8", "9", "18"}},
		{Name: "algo", Match: "algo", Codecs: []string{"9", "0"}},
		{Name: "cyberdata", Match: "cyberdata", Codecs: []string{"0", "9"}},
	}
}

// StaticCatalog каталог в памяти. Поиск идет в порядке добавления,
// поэтому дополнительные модели из конфигурации проверяются раньше
// встроенных.
type StaticCatalog struct {
	models []PhoneModel
	byName map[string]PhoneModel
}

// NewStaticCatalog создает каталог из extra и встроенных профилей
func NewStaticCatalog(extra ...PhoneModel) *StaticCatalog {
	c := &StaticCatalog{byName: make(map[string]PhoneModel)}
	for _, m := range append(extra, DefaultPhoneModels()...) {
		m.Name = strings.ToLower(m.Name)
		m.Match = strings.ToLower(m.Match)
		if m.Match == "" {
			m.Match = m.Name
		}
		if _, exists := c.byName[m.Name]; exists {
			continue
		}
		c.byName[m.Name] = m
		c.models = append(c.models, m)
	}
	return c
}

func (c *StaticCatalog) DetectPhoneModel(userAgent string) (string, bool) {
	if userAgent == "" {
		return "", false
	}
	for _, m := range c.models {
		if matchWord(userAgent, m.Match) {
			return m.Name, true
		}
	}
	return "", false
}

// matchWord ищет match с начала слова. Слово может продолжаться цифрой
// или заглавной буквой (snom370, PolycomVVX), но не строчной.
func matchWord(userAgent, match string) bool {
	ua := []rune(userAgent)
	pattern := []rune(match)
	for i := 0; i+len(pattern) <= len(ua); i++ {
		if i > 0 && isWordRune(ua[i-1]) {
			continue
		}
		if !strings.EqualFold(string(ua[i:i+len(pattern)]), match) {
			continue
		}
		end := i + len(pattern)
		if end == len(ua) || !unicode.IsLower(ua[end]) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (c *StaticCatalog) CodecsForPhoneModel(model string, defaults []string) []string {
	m, ok := c.byName[strings.ToLower(model)]
	if !ok || len(m.Codecs) == 0 {
		return append([]string(nil), defaults...)
	}
	return append([]string(nil), m.Codecs...)
}
