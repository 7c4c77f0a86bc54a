// Пакет token — генерация токенов скачивания.
//
// Формат токена: {hex(32 случайных байта)}-{unix ms в base36}-{uuid v4}.
// Энтропия определяется первой частью (256 бит из crypto/rand),
// временная метка и UUID добавляют монотонность и уникальность.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// RandomBytes — количество случайных байт в токене (256 бит).
	RandomBytes = 32
	// MinLength — минимальная длина токена, принимаемая при скачивании.
	// Более короткие строки отклоняются без обращения к хранилищу.
	MinLength = 32
	// MaxLength — длина колонки download_token.
	MaxLength = 255
)

// defaultGenerator обслуживает пакетную функцию Generate.
var defaultGenerator = NewGenerator()

// Generator выдаёт токены скачивания.
type Generator struct {
	// now — источник времени (подменяется в тестах)
	now func() time.Time
}

// NewGenerator создаёт генератор с системными часами.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Generate возвращает новый токен. Не блокирует и не возвращает ошибок:
// отказ crypto/rand означает, что безопасный токен выдать невозможно,
// поэтому вызывается panic.
func (g *Generator) Generate() string {
	buf := make([]byte, RandomBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("token: crypto/rand недоступен: " + err.Error())
	}

	ts := strconv.FormatInt(g.now().UnixMilli(), 36)

	return hex.EncodeToString(buf) + "-" + ts + "-" + uuid.NewString()
}

// Generate — генерация токена генератором по умолчанию.
func Generate() string {
	return defaultGenerator.Generate()
}

// WellFormed проверяет длину токена и алфавит выдаваемых токенов:
// строчные латинские буквы, цифры и дефис.
func WellFormed(tok string) bool {
	if len(tok) < MinLength || len(tok) > MaxLength {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
